package router

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	relayerrors "github.com/grovetools/devrelay/errors"
)

// Report is a shared snapshot of an instance's lifted state.
type Report struct {
	ID         string          `json:"id"`
	SessionKey string          `json:"sessionKey"`
	InstanceID string          `json:"instanceId"`
	Name       string          `json:"name,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	State      json.RawMessage `json:"state"`
}

// ReportStore keeps reports as JSON files in a directory.
type ReportStore struct {
	dir string
}

// NewReportStore returns a store rooted at dir. The directory is created
// on first save.
func NewReportStore(dir string) *ReportStore {
	return &ReportStore{dir: dir}
}

// Save stores r under a new id and returns the id.
func (s *ReportStore) Save(r Report) (string, error) {
	if len(r.State) == 0 {
		return "", relayerrors.New(relayerrors.ErrCodeInvalidInput, "report has no state")
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return "", relayerrors.Wrap(err, relayerrors.ErrCodeInternal, "failed to create reports directory")
	}

	r.ID = uuid.NewString()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", relayerrors.Wrap(err, relayerrors.ErrCodeInternal, "failed to encode report")
	}

	path := s.path(r.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", relayerrors.Wrap(err, relayerrors.ErrCodeInternal, "failed to write report")
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", relayerrors.Wrap(err, relayerrors.ErrCodeInternal, "failed to write report")
	}
	return r.ID, nil
}

// Load returns the report with the given id.
func (s *ReportStore) Load(id string) (Report, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Report{}, relayerrors.ReportNotFound(id)
	}
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return Report{}, relayerrors.ReportNotFound(id)
		}
		return Report{}, relayerrors.Wrap(err, relayerrors.ErrCodeInternal, "failed to read report")
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return Report{}, relayerrors.Wrap(err, relayerrors.ErrCodeInternal, "failed to decode report").
			WithDetail("id", id)
	}
	return r, nil
}

// List returns the stored reports, newest first, without their state.
func (s *ReportStore) List() ([]Report, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var reports []Report
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		id := entry.Name()[:len(entry.Name())-len(".json")]
		r, err := s.Load(id)
		if err != nil {
			continue
		}
		r.State = nil
		reports = append(reports, r)
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].CreatedAt.After(reports[j].CreatedAt) })
	return reports, nil
}

func (s *ReportStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}
