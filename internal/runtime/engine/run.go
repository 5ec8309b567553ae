package engine

import (
	"context"
	"sync"
	"time"

	"github.com/theam/plasmido/internal/runtime/models"
	"github.com/theam/plasmido/internal/runtime/schema"
	"github.com/theam/plasmido/internal/runtime/variables"
)

// run is the state owned by one workbook run. Nothing in it is shared with
// other runs.
type run struct {
	workbook models.Workbook
	startAt  time.Time
	execID   string
	records  map[string]models.ExecutionArtifact
	// spawned holds the artifacts whose task was launched. Written by Start only.
	spawned  map[string]bool
	bindings []variables.Binding
	codecs   map[string]*schema.Codec

	ctx    context.Context
	cancel context.CancelFunc

	wg        sync.WaitGroup
	sealOnce  sync.Once
	joined    chan struct{}
	tasksDone chan struct{}
	done      chan struct{}

	mu      sync.Mutex
	results []TaskResult
}

func newRun(wb models.Workbook, startAt time.Time) *run {
	ctx, cancel := context.WithCancel(context.Background())
	return &run{
		workbook:  wb,
		startAt:   startAt,
		records:   make(map[string]models.ExecutionArtifact, len(wb.Artifacts)),
		spawned:   make(map[string]bool, len(wb.Artifacts)),
		codecs:    map[string]*schema.Codec{},
		ctx:       ctx,
		cancel:    cancel,
		joined:    make(chan struct{}, 1),
		tasksDone: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// spawn runs fn as a task of the run and collects its result.
func (r *run) spawn(fn func() TaskResult) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		res := fn()
		r.mu.Lock()
		r.results = append(r.results, res)
		r.mu.Unlock()
		select {
		case r.joined <- struct{}{}:
		default:
		}
	}()
}

// sealed marks the end of spawning. tasksDone closes once every spawned task
// returned.
func (r *run) sealed() {
	r.sealOnce.Do(func() {
		go func() {
			r.wg.Wait()
			close(r.tasksDone)
		}()
	})
}

// abort cancels a run that failed to start.
func (r *run) abort() {
	r.cancel()
	r.sealed()
	go func() {
		<-r.tasksDone
		close(r.done)
	}()
}

func (r *run) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *run) resultList() []TaskResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TaskResult(nil), r.results...)
}
