package server

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/helixfarm/helix/scheduler/domain"
	"github.com/helixfarm/helix/store"
)

// jobRecord is what the Store holds per job: the definition (so non-terminal
// jobs can be recovered after a restart) plus, once the job finishes, the
// final status view.
type jobRecord struct {
	Job  *domain.Job           `json:"job"`
	View *domain.JobStatusView `json:"view,omitempty"`
}

func serializeJobRecord(rec *jobRecord) ([]byte, error) {
	return json.Marshal(rec)
}

func deserializeJobRecord(data []byte) (*jobRecord, error) {
	rec := &jobRecord{}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, errors.Wrap(err, "deserialize job record")
	}
	return rec, nil
}

// buildStatusView assembles a query response from live loop state.
func buildStatusView(js *jobState, monitor *executionMonitor) *domain.JobStatusView {
	view := &domain.JobStatusView{
		JobID:          js.Job.ID,
		Status:         js.getJobStatus(),
		AtRisk:         js.AtRisk,
		Slack:          js.Slack,
		DeadlineMissed: js.DeadlineMissed,
		Failure:        js.Failure,
	}
	for _, ts := range js.Tasks {
		tv := domain.TaskStatusView{
			TaskID:     ts.TaskId,
			Status:     ts.Status,
			Attempts:   ts.NumTimesTried,
			NodeID:     ts.AssignedNode,
			Progress:   ts.Progress,
			PreviewRef: ts.PreviewRef,
		}
		if tv.PreviewRef == "" && monitor != nil {
			if ref, ok := monitor.previewRef(js.Job.ID, ts.TaskId); ok {
				tv.PreviewRef = ref
			}
		}
		view.Tasks = append(view.Tasks, tv)
	}
	return view
}

// statusFromStore answers a query for a job the loop no longer tracks.
func (s *statefulScheduler) statusFromStore(jobId string) (*domain.JobStatusView, error) {
	data, err := s.store.Get(store.JobKey(jobId))
	if err == store.ErrNotFound {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read job %s", jobId)
	}
	rec, err := deserializeJobRecord(data)
	if err != nil {
		return nil, err
	}
	if rec.View != nil {
		return rec.View, nil
	}
	// Accepted but never archived (e.g. crash before terminal persist).
	return &domain.JobStatusView{JobID: rec.Job.ID, Status: rec.Job.Status}, nil
}
