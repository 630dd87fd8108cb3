// Package report collects the outcome of a workflow run and stores it.
package report

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Verification results recorded by Verify steps.
const (
	Pass       = "PASS"
	Fail       = "FAIL"
	CantVerify = "CAN'T VERIFY"
)

// Report is not safe for concurrent use; workflows fill it after each
// batch barrier.
type Report struct {
	ExecutionUID string            `json:"exuid" bson:"_id"`
	ConfigID     string            `json:"configid,omitempty" bson:"configid,omitempty"`
	Workflow     string            `json:"workflow" bson:"workflow"`
	StartedAt    time.Time         `json:"started_at" bson:"started_at"`
	FinishedAt   time.Time         `json:"finished_at,omitempty" bson:"finished_at,omitempty"`
	Results      map[string]string `json:"results" bson:"results"`
	Errors       []string          `json:"errors" bson:"errors"`
}

func New(workflow string, exuid uuid.UUID) *Report {
	return &Report{
		ExecutionUID: exuid.String(),
		Workflow:     workflow,
		StartedAt:    time.Now().UTC(),
		Results:      map[string]string{},
		Errors:       []string{},
	}
}

func (r *Report) SetResult(key, value string) {
	r.Results[key] = value
}

func (r *Report) AddError(err error) {
	if err != nil {
		r.Errors = append(r.Errors, err.Error())
	}
}

func (r *Report) AddErrorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Merge folds a sub-workflow report into r.
func (r *Report) Merge(other *Report) {
	if other == nil {
		return
	}
	for k, v := range other.Results {
		r.Results[k] = v
	}
	r.Errors = append(r.Errors, other.Errors...)
}

func (r *Report) Finish() {
	r.FinishedAt = time.Now().UTC()
}

func (r *Report) Failed() bool {
	return len(r.Errors) > 0
}

// Keys returns the result keys in sorted order.
func (r *Report) Keys() []string {
	keys := make([]string, 0, len(r.Results))
	for k := range r.Results {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
