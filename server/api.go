package server

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/cyclopcam/deteval/pkg/batch"
	"github.com/cyclopcam/deteval/pkg/detect"
	"github.com/cyclopcam/deteval/pkg/diffimage"
	"github.com/cyclopcam/deteval/pkg/eval"
	"github.com/cyclopcam/deteval/pkg/nn"
	"github.com/cyclopcam/deteval/server/resultdb"
	"github.com/cyclopcam/staticfiles"
	"github.com/cyclopcam/www"
	"github.com/go-chi/httprate"
	"github.com/julienschmidt/httprouter"
)

//go:embed www
var staticWWW embed.FS

func (s *Server) setupHttpRoutes() {
	router := httprouter.New()

	handle := func(method, route string, handle httprouter.Handle) {
		www.Handle(s.Log, router, method, route, handle)
	}

	// Each route gets its own limiter
	rateLimited := func(method, route string, requestLimit int, windowLength time.Duration, handle httprouter.Handle) {
		limited := httprate.Limit(requestLimit, windowLength, httprate.WithKeyFuncs(httprate.KeyByIP))
		www.Handle(s.Log, router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			limited(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				handle(w, r, params)
			})).ServeHTTP(w, r)
		})
	}

	handle("GET", "/api/ping", s.httpPing)

	rateLimited("POST", "/api/runs", s.config.RunsPerMinute, time.Minute, s.httpRunCreate)
	handle("GET", "/api/runs/:id", s.httpRunStatus)
	handle("GET", "/api/runs/:id/ws", s.httpRunWebSocket)
	handle("POST", "/api/runs/:id/cancel", s.httpRunCancel)

	handle("GET", "/api/results", s.httpResultList)
	handle("GET", "/api/results/:id", s.httpResultGet)
	handle("DELETE", "/api/results/:id", s.httpResultDelete)
	handle("GET", "/api/results/:id/export", s.httpResultExport)
	handle("POST", "/api/results/:id/recompute", s.httpResultRecompute)
	handle("GET", "/api/results/:id/sweep", s.httpResultSweep)
	handle("GET", "/api/results/:id/diff/:image", s.httpResultDiff)

	static, err := staticfiles.NewCachedStaticFileServer(staticWWW, "www", []string{"/api/"}, s.Log, true, nil)
	if err != nil {
		s.Log.Warnf("Error in static files: %v", err)
	} else {
		router.NotFound = static
	}

	s.httpRouter = router
}

func (s *Server) httpPing(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	type pingJSON struct {
		Time int64 `json:"time"`
	}
	www.SendJSON(w, &pingJSON{Time: time.Now().Unix()})
}

// Parse an optional float query parameter
func queryFloat(r *http.Request, key string, defaultValue float64) float64 {
	v := www.QueryValue(r, key)
	if v == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		www.PanicBadRequestf("Invalid value for '%v': %v", key, v)
	}
	return f
}

func (s *Server) loadRunOrPanic(params httprouter.Params) *resultdb.Run {
	run, err := s.Results.LoadFull(www.ParseID(params.ByName("id")))
	if errors.Is(err, resultdb.ErrNotFound) {
		www.PanicNotFound()
	}
	www.Check(err)
	return run
}

// Only completed runs have predictions for every image
func (s *Server) loadCompletedRunOrPanic(params httprouter.Params) *resultdb.Run {
	run := s.loadRunOrPanic(params)
	if run.State != batch.StateCompleted.String() || run.Detail == nil {
		www.PanicBadRequestf("Run %v is %v, not completed", run.ID, run.State)
	}
	return run
}

func (s *Server) httpRunCreate(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	type imageJSON struct {
		Name string `json:"name"`
		Data []byte `json:"data"` // base64 in JSON
	}
	type newRunJSON struct {
		Name                string          `json:"name"`
		Images              []imageJSON     `json:"images"`
		GroundTruth         json.RawMessage `json:"groundTruth"` // Either an array of arrays of boxes, or COCO
		BatchSize           int             `json:"batchSize"`
		IoUThreshold        *float64        `json:"iouThreshold"`
		ConfidenceThreshold *float64        `json:"confidenceThreshold"`
	}
	req := newRunJSON{}
	www.ReadJSON(w, r, &req, int64(s.config.MaxUploadMB)*1024*1024)

	images := make([]nn.Image, len(req.Images))
	names := make([]string, len(req.Images))
	for i, img := range req.Images {
		var err error
		images[i], err = detect.MakeImage(img.Name, img.Data)
		if err != nil {
			www.PanicBadRequestf("Image %v: %v", i, err)
		}
		names[i] = img.Name
	}
	groundTruth, err := nn.ParseGroundTruth(req.GroundTruth, names)
	if err != nil {
		www.PanicBadRequestf("%v", err)
	}

	cfg := s.config.Batch.RunConfig()
	if req.BatchSize > 0 {
		cfg.BatchSize = req.BatchSize
	}
	if req.IoUThreshold != nil {
		cfg.IoUThreshold = *req.IoUThreshold
	}
	if req.ConfidenceThreshold != nil {
		cfg.ConfidenceThreshold = *req.ConfidenceThreshold
	}

	run, err := batch.NewRun(s.Log, images, groundTruth, cfg)
	if err != nil {
		www.PanicBadRequestf("%v", err)
	}
	name := req.Name
	if name == "" {
		name = time.Now().UTC().Format("2006-01-02 15:04:05")
	}
	id, err := s.startRun(name, run, images)
	if errors.Is(err, errShuttingDown) {
		www.Panic(http.StatusServiceUnavailable, err.Error())
	}
	www.Check(err)
	s.Log.Infof("Started run %v '%v' with %v images", id, name, len(images))
	www.SendJSONID(w, id)
}

func (s *Server) httpRunStatus(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if active := s.getActiveRun(www.ParseID(params.ByName("id"))); active != nil {
		www.SendJSON(w, active.status())
		return
	}
	rec := s.loadRunOrPanic(params)
	www.SendJSON(w, &runStatus{ID: rec.ID, State: rec.State, Error: rec.Error, Final: true})
}

// Stream progress messages until the run is finished.
// If the run has already finished, a single final message is sent.
func (s *Server) httpRunWebSocket(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	active := s.getActiveRun(www.ParseID(params.ByName("id")))
	var rec *resultdb.Run
	if active == nil {
		rec = s.loadRunOrPanic(params)
	}

	c, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.Errorf("websocket upgrade failed: %v", err)
		return
	}
	defer c.Close()

	if active == nil {
		c.WriteJSON(&runStatus{ID: rec.ID, State: rec.State, Error: rec.Error, Final: true})
		return
	}

	updates := active.subscribe()
	defer active.unsubscribe(updates)

	// We don't expect anything from the client, but we need to read in order to notice when it goes away
	go func() {
		for {
			if _, _, err := c.NextReader(); err != nil {
				active.unsubscribe(updates)
				return
			}
		}
	}()

	first := active.status()
	if err := c.WriteJSON(&first); err != nil || first.Final {
		return
	}
	for msg := range updates {
		if err := c.WriteJSON(&msg); err != nil {
			return
		}
	}
	if final, ok := active.finalStatus(); ok {
		c.WriteJSON(&final)
	}
}

func (s *Server) httpRunCancel(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	active := s.getActiveRun(www.ParseID(params.ByName("id")))
	if active == nil {
		rec := s.loadRunOrPanic(params)
		www.PanicBadRequestf("Run %v is not running (%v)", rec.ID, rec.State)
	}
	s.Log.Infof("Cancelling run %v", active.id)
	active.run.Cancel()
	www.SendOK(w)
}

func (s *Server) httpResultList(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	runs, err := s.Results.ListSummaries()
	www.Check(err)
	www.SendJSON(w, runs)
}

func (s *Server) httpResultGet(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.SendJSON(w, s.loadRunOrPanic(params))
}

func (s *Server) httpResultDelete(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	rec := s.loadRunOrPanic(params)
	if s.getActiveRun(rec.ID) != nil {
		www.PanicBadRequestf("Run %v is still running. Cancel it first", rec.ID)
	}
	if err := s.deleteRunImages(rec.ID, rec.NumImages); err != nil {
		s.Log.Warnf("Failed to delete images of run %v: %v", rec.ID, err)
	}
	www.Check(s.Results.Delete(rec.ID))
	s.Log.Infof("Deleted run %v", rec.ID)
	www.SendOK(w)
}

func (s *Server) httpResultExport(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	format := www.QueryValue(r, "format")
	if format == "" {
		format = resultdb.FormatJSON
	}
	if format != resultdb.FormatJSON && format != resultdb.FormatCSV {
		www.PanicBadRequestf("Invalid format '%v'. Valid values are '%v' and '%v'", format, resultdb.FormatJSON, resultdb.FormatCSV)
	}
	buf := bytes.Buffer{}
	filename, contentType, err := s.Results.Export(www.ParseID(params.ByName("id")), format, &buf)
	if errors.Is(err, resultdb.ErrNotFound) {
		www.PanicNotFound()
	}
	www.Check(err)
	www.SendFileDownload(w, filename, contentType, buf.Bytes())
}

type recomputeJSON struct {
	ConfidenceThreshold float64             `json:"confidenceThreshold"`
	IoUThreshold        float64             `json:"iouThreshold"`
	Metrics             eval.OverallMetrics `json:"metrics"`
}

// Recompute metrics of a completed run at different thresholds, without calling the detector again
func (s *Server) httpResultRecompute(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	rec := s.loadCompletedRunOrPanic(params)
	type requestJSON struct {
		ConfidenceThreshold *float64 `json:"confidenceThreshold"`
		IoUThreshold        *float64 `json:"iouThreshold"`
	}
	req := requestJSON{}
	www.ReadJSON(w, r, &req, 1024*1024)
	resp := recomputeJSON{
		ConfidenceThreshold: rec.ConfidenceThreshold,
		IoUThreshold:        rec.IoUThreshold,
	}
	if req.ConfidenceThreshold != nil {
		resp.ConfidenceThreshold = *req.ConfidenceThreshold
	}
	if req.IoUThreshold != nil {
		resp.IoUThreshold = *req.IoUThreshold
	}
	resp.Metrics = eval.RecomputeImages(rec.Detail.Data.Pairs(), resp.ConfidenceThreshold, resp.IoUThreshold)
	www.SendJSON(w, &resp)
}

func (s *Server) httpResultSweep(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	rec := s.loadCompletedRunOrPanic(params)
	type sweepJSON struct {
		IoUThreshold     float64           `json:"iouThreshold"`
		Curve            []eval.CurvePoint `json:"curve"`
		OptimalThreshold float64           `json:"optimalThreshold"`
	}
	resp := sweepJSON{
		IoUThreshold: queryFloat(r, "iou", rec.IoUThreshold),
	}
	resp.Curve = eval.Sweep(rec.Detail.Data.Pairs(), nil, resp.IoUThreshold)
	resp.OptimalThreshold = eval.FindOptimalThreshold(resp.Curve)
	www.SendJSON(w, &resp)
}

// Render a JPEG of one image, with its predicted and ground truth boxes drawn over it
func (s *Server) httpResultDiff(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	rec := s.loadCompletedRunOrPanic(params)
	detail := &rec.Detail.Data
	idx, err := strconv.Atoi(params.ByName("image"))
	if err != nil || idx < 0 || idx >= len(detail.Predictions) || idx >= len(detail.Images) {
		www.PanicBadRequestf("Invalid image index '%v'", params.ByName("image"))
	}
	data, err := s.imageCache.ReadFile(imageFilename(rec.ID, idx))
	www.Check(err)
	img := nn.Image{
		Name:   detail.Images[idx].Name,
		Data:   data,
		Width:  detail.Images[idx].Width,
		Height: detail.Images[idx].Height,
	}
	opt := diffimage.Options{
		ConfidenceThreshold: queryFloat(r, "confidence", rec.ConfidenceThreshold),
		IoUThreshold:        queryFloat(r, "iou", rec.IoUThreshold),
	}
	out, err := diffimage.Render(img, detail.Predictions[idx], detail.GroundTruth[idx], opt)
	www.Check(err)
	buf := bytes.Buffer{}
	www.Check(diffimage.EncodeJPEG(&buf, out, 0))
	w.Header().Set("Content-Type", "image/jpeg")
	w.Write(buf.Bytes())
}
