package server

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/deteval/pkg/batch"
	"github.com/cyclopcam/deteval/pkg/nn"
	"github.com/cyclopcam/deteval/pkg/prefixlog"
	"github.com/cyclopcam/deteval/server/resultdb"
	"github.com/cyclopcam/deteval/server/storage"
)

// Status of a run, as sent to HTTP clients. This is the payload of every websocket message.
type runStatus struct {
	ID       int64           `json:"id"`
	State    string          `json:"state"`
	Progress *batch.Progress `json:"progress,omitempty"`
	Error    string          `json:"error,omitempty"`
	Final    bool            `json:"final"` // No further messages will be sent
}

// activeRun is a run that is executing in the background
type activeRun struct {
	id  int64
	run *batch.Run

	lock        sync.Mutex
	subscribers map[chan runStatus]bool
	final       *runStatus
}

func (a *activeRun) status() runStatus {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.final != nil {
		return *a.final
	}
	p := a.run.Progress()
	return runStatus{ID: a.id, State: a.run.State().String(), Progress: &p}
}

// subscribe returns a channel of progress updates.
// The channel is closed when the run finishes, or when the subscriber is removed.
func (a *activeRun) subscribe() chan runStatus {
	a.lock.Lock()
	defer a.lock.Unlock()
	ch := make(chan runStatus, 16)
	if a.final != nil {
		close(ch)
	} else {
		a.subscribers[ch] = true
	}
	return ch
}

func (a *activeRun) unsubscribe(ch chan runStatus) {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.subscribers[ch] {
		delete(a.subscribers, ch)
		close(ch)
	}
}

// finalStatus returns false if the run has not finished
func (a *activeRun) finalStatus() (runStatus, bool) {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.final == nil {
		return runStatus{}, false
	}
	return *a.final, true
}

// Progress messages are dropped for subscribers that are not keeping up
func (a *activeRun) broadcast(p batch.Progress) {
	msg := runStatus{ID: a.id, State: batch.StateRunning.String(), Progress: &p}
	a.lock.Lock()
	defer a.lock.Unlock()
	for ch := range a.subscribers {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (a *activeRun) finish(final runStatus) {
	final.Final = true
	a.lock.Lock()
	defer a.lock.Unlock()
	a.final = &final
	for ch := range a.subscribers {
		close(ch)
	}
	a.subscribers = map[chan runStatus]bool{}
}

func (s *Server) getActiveRun(id int64) *activeRun {
	s.runsLock.Lock()
	defer s.runsLock.Unlock()
	return s.runs[id]
}

func imageFilename(runID int64, index int) string {
	return fmt.Sprintf("runs/%v/images/%v", runID, index)
}

// errShuttingDown is returned by startRun once Shutdown has begun
var errShuttingDown = errors.New("Server is shutting down")

// startRun records the run in the database, stores its images, and executes it in the background
func (s *Server) startRun(name string, run *batch.Run, images []nn.Image) (int64, error) {
	// Shutdown cancels runCtx under runsLock, so no run joins runsWG after Shutdown starts waiting on it
	s.runsLock.Lock()
	if s.runCtx.Err() != nil {
		s.runsLock.Unlock()
		return 0, errShuttingDown
	}
	s.runsWG.Add(1)
	s.runsLock.Unlock()
	started := false
	defer func() {
		if !started {
			s.runsWG.Done()
		}
	}()

	cfg := run.Config()
	info := make([]resultdb.ImageInfo, len(images))
	for i, img := range images {
		info[i] = resultdb.ImageInfo{Name: img.Name, Width: img.Width, Height: img.Height}
	}
	rec := &resultdb.Run{
		Name:                name,
		State:               batch.StateRunning.String(),
		Detector:            fmt.Sprintf("%T", s.detector),
		NumImages:           len(images),
		BatchSize:           cfg.BatchSize,
		IoUThreshold:        cfg.IoUThreshold,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		Detail:              dbh.MakeJSONField(resultdb.RunDetail{Images: info}),
	}
	if err := s.Results.Save(rec); err != nil {
		return 0, err
	}
	run.Log = prefixlog.New(s.Log, fmt.Sprintf("run %v", rec.ID))
	for i, img := range images {
		if err := storage.WriteFile(s.storage, imageFilename(rec.ID, i), bytes.NewReader(img.Data)); err != nil {
			rec.State = batch.StateFailed.String()
			rec.Error = "Failed to store images: " + err.Error()
			s.Results.Save(rec)
			return 0, err
		}
	}

	active := &activeRun{
		id:          rec.ID,
		run:         run,
		subscribers: map[chan runStatus]bool{},
	}
	s.runsLock.Lock()
	s.runs[rec.ID] = active
	s.runsLock.Unlock()

	started = true
	go s.executeRun(active, rec)
	return rec.ID, nil
}

func (s *Server) executeRun(active *activeRun, rec *resultdb.Run) {
	defer s.runsWG.Done()

	result, err := active.run.Execute(s.runCtx, s.detector, active.broadcast)

	rec.State = active.run.State().String()
	rec.FinishedAt = dbh.MakeIntTime(time.Now())
	if err != nil {
		rec.Error = err.Error()
	} else {
		rec.SetResult(result)
	}
	var cancelled *batch.CancelledError
	if errors.As(err, &cancelled) {
		s.Log.Infof("Run %v cancelled after %v of %v images", rec.ID, cancelled.Processed, cancelled.Total)
	}
	if err := s.Results.Save(rec); err != nil {
		s.Log.Errorf("Failed to save run %v: %v", rec.ID, err)
	}

	p := active.run.Progress()
	active.finish(runStatus{ID: rec.ID, State: rec.State, Progress: &p, Error: rec.Error})

	s.runsLock.Lock()
	delete(s.runs, rec.ID)
	s.runsLock.Unlock()
}

// deleteRunImages removes a run's images from blob storage and from our local cache
func (s *Server) deleteRunImages(runID int64, numImages int) error {
	names := make([]string, numImages)
	for i := range names {
		names[i] = imageFilename(runID, i)
		s.imageCache.Evict(names[i])
	}
	return storage.DeleteFiles(s.storage, names)
}
