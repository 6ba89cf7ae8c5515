// helixctl is the command line client for a running helixd.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"
	"github.com/sethgrid/pester"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/helixfarm/helix/cluster"
	"github.com/helixfarm/helix/scheduler/domain"
)

// Job file schema. Durations are strings ("10m"), the deadline is RFC3339.
type jobFile struct {
	TenantID string     `yaml:"tenantId"`
	Tasks    []taskFile `yaml:"tasks"`
	Deadline string     `yaml:"deadline"`
	Priority int        `yaml:"priorityHint"`
	Retry    struct {
		MaxAttempts int    `yaml:"maxAttempts"`
		BackoffBase string `yaml:"backoffBase"`
	} `yaml:"retryPolicy"`
	Tag string `yaml:"tag"`
}

type taskFile struct {
	TaskID       string                 `yaml:"taskId"`
	Deps         []string               `yaml:"deps"`
	RequiredCaps []string               `yaml:"requiredCaps"`
	Resources    cluster.ResourceVector `yaml:"resources"`
	EstDuration  string                 `yaml:"estDuration"`
}

func parseJobFile(data []byte) (domain.JobDefinition, error) {
	var jf jobFile
	def := domain.JobDefinition{}
	if err := yaml.Unmarshal(data, &jf); err != nil {
		return def, errors.Wrap(err, "parse job file")
	}
	def.TenantID = jf.TenantID
	def.PriorityHint = jf.Priority
	def.Tag = jf.Tag
	def.RetryPolicy.MaxAttempts = jf.Retry.MaxAttempts
	if jf.Retry.BackoffBase != "" {
		d, err := time.ParseDuration(jf.Retry.BackoffBase)
		if err != nil {
			return def, errors.Wrap(err, "parse retryPolicy.backoffBase")
		}
		def.RetryPolicy.BackoffBase = d
	}
	if jf.Deadline != "" {
		t, err := time.Parse(time.RFC3339, jf.Deadline)
		if err != nil {
			return def, errors.Wrap(err, "parse deadline")
		}
		def.Deadline = t
	}
	for _, tf := range jf.Tasks {
		task := domain.TaskDefinition{
			TaskID:       tf.TaskID,
			Deps:         tf.Deps,
			RequiredCaps: cluster.NewCapabilitySet(tf.RequiredCaps...),
			Resources:    tf.Resources,
		}
		if tf.EstDuration != "" {
			d, err := time.ParseDuration(tf.EstDuration)
			if err != nil {
				return def, errors.Wrapf(err, "parse estDuration of task %s", tf.TaskID)
			}
			task.EstDuration = d
		}
		def.Tasks = append(def.Tasks, task)
	}
	return def, nil
}

type client struct {
	addr string
	http *pester.Client
}

func newClient(addr string) *client {
	c := pester.New()
	c.Concurrency = 1
	c.MaxRetries = 3
	c.Backoff = pester.ExponentialJitterBackoff
	c.Timeout = 30 * time.Second
	return &client{addr: addr, http: c}
}

func (c *client) do(method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "marshal request")
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, "http://"+c.addr+path, reader)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return errors.Errorf("%s %s: %d %s", method, path, resp.StatusCode, msg)
	}
	if out != nil {
		return errors.Wrap(json.NewDecoder(resp.Body).Decode(out), "decode response")
	}
	return nil
}

func main() {
	var addr string
	var verbose bool

	rootCmd := &cobra.Command{
		Use:   "helixctl",
		Short: "Client for the Helix scheduler",
	}
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "localhost:9090", "helixd address")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "dump full response structures")

	submitCmd := &cobra.Command{
		Use:   "submit <jobfile>",
		Short: "Submit a job definition (YAML or JSON file)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return errors.Wrap(err, "read job file")
			}
			def, err := parseJobFile(data)
			if err != nil {
				return err
			}
			var resp struct {
				JobID string `json:"jobId"`
			}
			if err := newClient(addr).do(http.MethodPost, "/api/v1/jobs", def, &resp); err != nil {
				return err
			}
			fmt.Println(resp.JobID)
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status <jobId>",
		Short: "Show job status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var view domain.JobStatusView
			if err := newClient(addr).do(http.MethodGet, "/api/v1/jobs/"+args[0], nil, &view); err != nil {
				return err
			}
			if verbose {
				spew.Dump(view)
				return nil
			}
			fmt.Printf("job %s: %s (atRisk:%t slack:%s)\n", view.JobID, view.Status, view.AtRisk, view.Slack)
			for _, t := range view.Tasks {
				fmt.Printf("  %-20s %-10s attempts:%d progress:%.0f%%", t.TaskID, t.Status, t.Attempts, t.Progress*100)
				if t.PreviewRef != "" {
					fmt.Printf(" preview:%s", t.PreviewRef)
				}
				fmt.Println()
			}
			if view.Failure != nil {
				fmt.Printf("  failed task %s: %s (skipped %d dependents)\n",
					view.Failure.FailedTaskID, view.Failure.LastError, len(view.Failure.SkippedTasks))
			}
			return nil
		},
	}

	atRiskCmd := &cobra.Command{
		Use:   "at-risk",
		Short: "List jobs at risk of missing their deadline",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				JobIDs []string `json:"jobIds"`
			}
			if err := newClient(addr).do(http.MethodGet, "/api/v1/jobs/at-risk", nil, &resp); err != nil {
				return err
			}
			for _, id := range resp.JobIDs {
				fmt.Println(id)
			}
			return nil
		},
	}

	killCmd := &cobra.Command{
		Use:   "kill <jobId>",
		Short: "Cancel a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient(addr).do(http.MethodDelete, "/api/v1/jobs/"+args[0], nil, nil)
		},
	}

	var deadline string
	deadlineCmd := &cobra.Command{
		Use:   "deadline <jobId>",
		Short: "Move a job's deadline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := time.Parse(time.RFC3339, deadline)
			if err != nil {
				return errors.Wrap(err, "parse --to")
			}
			return newClient(addr).do(http.MethodPut, "/api/v1/jobs/"+args[0]+"/deadline",
				map[string]time.Time{"deadline": t}, nil)
		},
	}
	deadlineCmd.Flags().StringVar(&deadline, "to", "", "new deadline, RFC3339")
	deadlineCmd.MarkFlagRequired("to")

	quotaCmd := &cobra.Command{
		Use:   "set-quota <quotafile>",
		Short: "Install a tenant quota (YAML or JSON file)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return errors.Wrap(err, "read quota file")
			}
			var quota domain.TenantQuota
			if err := yaml.Unmarshal(data, &quota); err != nil {
				return errors.Wrap(err, "parse quota file")
			}
			return newClient(addr).do(http.MethodPut, "/api/v1/quotas", quota, nil)
		},
	}

	offlineCmd := &cobra.Command{
		Use:   "offline <nodeId>",
		Short: "Remove a node from scheduling",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient(addr).do(http.MethodPost, "/api/v1/nodes/"+args[0]+"/offline", nil, nil)
		},
	}

	reinstateCmd := &cobra.Command{
		Use:   "reinstate <nodeId>",
		Short: "Return an offlined node to scheduling",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient(addr).do(http.MethodPost, "/api/v1/nodes/"+args[0]+"/reinstate", nil, nil)
		},
	}

	rootCmd.AddCommand(submitCmd, statusCmd, atRiskCmd, killCmd, deadlineCmd, quotaCmd, offlineCmd, reinstateCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
