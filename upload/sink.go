// Package upload submits pipeline output to the storage/indexing sink and
// records every uploaded record in the audit log.
package upload

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pithecene-io/oaiharvest/executor"
	"github.com/pithecene-io/oaiharvest/lode"
	"github.com/pithecene-io/oaiharvest/types"
)

// Submission is one file handed to the sink.
type Submission struct {
	File       string
	Mode       types.UploadMode
	Priority   int
	SourceTag  string
	SequenceID string
	// Name is the batch task name shown by the sink.
	Name        string
	SourceID    int64
	Identifiers []string
}

// Sink accepts submissions and returns a job id. Submit does not wait for
// the sink to finish integrating the file.
type Sink interface {
	Submit(ctx context.Context, s Submission) (jobID string, err error)
}

// LodeSink stores submitted files in the Lode store and records each
// submission as a job in the Lode dataset.
type LodeSink struct {
	client lode.Client
	now    func() time.Time
}

// NewLodeSink creates a sink on client.
func NewLodeSink(client lode.Client) *LodeSink {
	return &LodeSink{client: client, now: time.Now}
}

// Submit implements Sink.
func (s *LodeSink) Submit(ctx context.Context, sub Submission) (string, error) {
	data, err := os.ReadFile(sub.File)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", sub.File, err)
	}
	jobID := uuid.NewString()
	name := fmt.Sprintf("%s_%s_%s", jobID, sub.Mode, filepath.Base(sub.File))
	stored, err := s.client.PutFile(ctx, sub.SourceTag, name, data)
	if err != nil {
		return "", err
	}
	job := lode.JobRecord{
		JobID:       jobID,
		Source:      sub.SourceTag,
		SourceID:    sub.SourceID,
		Mode:        string(sub.Mode),
		Priority:    sub.Priority,
		SequenceID:  sub.SequenceID,
		File:        stored,
		Records:     len(sub.Identifiers),
		Identifiers: sub.Identifiers,
		SubmittedAt: s.now(),
	}
	if err := s.client.WriteJobs(ctx, []lode.JobRecord{job}); err != nil {
		return "", err
	}
	return jobID, nil
}

// DefaultUploader is the CommandSink argv template.
var DefaultUploader = []string{"bibupload", "-u", "oaiharvest", "--{mode}", "-P", "{priority}", "-N", "{name}", "-I", "{sequence}", "{file}"}

// CommandSink submits through an external uploader. The job id is the last
// non-empty line the uploader prints.
type CommandSink struct {
	Invoker *executor.Invoker
	// Argv placeholders: {file} {mode} {priority} {source} {sequence} {name}.
	Argv []string
}

// Submit implements Sink.
func (s *CommandSink) Submit(ctx context.Context, sub Submission) (string, error) {
	tmpl := s.Argv
	if len(tmpl) == 0 {
		tmpl = DefaultUploader
	}
	r := strings.NewReplacer(
		"{file}", sub.File,
		"{mode}", string(sub.Mode),
		"{priority}", strconv.Itoa(sub.Priority),
		"{source}", sub.SourceTag,
		"{sequence}", sub.SequenceID,
		"{name}", sub.Name,
	)
	argv := make([]string, len(tmpl))
	for i, a := range tmpl {
		argv[i] = r.Replace(a)
	}

	res, err := s.Invoker.Run(ctx, executor.Command{Name: "upload", Argv: argv})
	if err != nil {
		return "", err
	}
	if !res.OK() {
		return "", fmt.Errorf("uploader %s", res.Failure())
	}
	jobID := lastLine(res.Stdout)
	if jobID == "" {
		return "", errors.New("uploader printed no job id")
	}
	return jobID, nil
}

func lastLine(b []byte) string {
	var last string
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			last = line
		}
	}
	return last
}

// StubSink records submissions in memory for tests.
type StubSink struct {
	mu          sync.Mutex
	Submissions []Submission
	// Fail, when set, is consulted before recording submission n (0-based).
	Fail func(n int, s Submission) error
}

// Submit implements Sink.
func (s *StubSink) Submit(_ context.Context, sub Submission) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.Submissions)
	if s.Fail != nil {
		if err := s.Fail(n, sub); err != nil {
			return "", err
		}
	}
	s.Submissions = append(s.Submissions, sub)
	return fmt.Sprintf("job-%d", n+1), nil
}

// Len returns the number of recorded submissions.
func (s *StubSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Submissions)
}

var (
	_ Sink = (*LodeSink)(nil)
	_ Sink = (*CommandSink)(nil)
	_ Sink = (*StubSink)(nil)
)
