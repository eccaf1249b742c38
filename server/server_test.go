package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/deteval/pkg/nn"
	"github.com/cyclopcam/deteval/server/resultdb"
	"github.com/cyclopcam/logs"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type statusJSON struct {
	ID       int64          `json:"id"`
	State    string         `json:"state"`
	Error    string         `json:"error"`
	Final    bool           `json:"final"`
	Progress map[string]any `json:"progress"`
}

type testImage struct {
	Name string `json:"name"`
	Data []byte `json:"data"`
}

type testEnv struct {
	t       *testing.T
	server  *Server
	http    *httptest.Server
	baseURL string
}

func makePNG(t *testing.T, width, height int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 80, 255})
		}
	}
	buf := bytes.Buffer{}
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newTestEnv(t *testing.T, detector nn.Detector) *testEnv {
	dir := t.TempDir()
	cfg := Config{
		DB:         dbh.MakeSqliteConfig(filepath.Join(dir, "results.sqlite")),
		Storage:    StorageConfig{Filesystem: &StorageConfigFS{Root: filepath.Join(dir, "blobs")}},
		ImageCache: filepath.Join(dir, "cache"),
		Batch: BatchConfig{
			RetryBackoff: 0.001,
			GroupDelay:   0.001,
		},
	}
	s, err := NewServer(logs.NewTestingLog(t), cfg, detector)
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Shutdown()
	})
	return &testEnv{t: t, server: s, http: ts, baseURL: ts.URL}
}

func (e *testEnv) do(method, path string, body any) (int, []byte) {
	return e.doWithHeader(method, path, body, nil)
}

func (e *testEnv) doWithHeader(method, path string, body any, header http.Header) (int, []byte) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(e.t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.baseURL+path, reader)
	require.NoError(e.t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := e.http.Client().Do(req)
	require.NoError(e.t, err)
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	require.NoError(e.t, err)
	return resp.StatusCode, respBody
}

func (e *testEnv) getJSON(path string, out any) {
	code, body := e.do("GET", path, nil)
	require.Equal(e.t, http.StatusOK, code, string(body))
	require.NoError(e.t, json.Unmarshal(body, out))
}

func (e *testEnv) createRun(body map[string]any) int64 {
	code, resp := e.do("POST", "/api/runs", body)
	require.Equal(e.t, http.StatusOK, code, string(resp))
	id := struct {
		ID int64 `json:"id"`
	}{}
	require.NoError(e.t, json.Unmarshal(resp, &id))
	require.NotEqual(e.t, int64(0), id.ID)
	return id.ID
}

func (e *testEnv) waitFinal(id int64) statusJSON {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		st := statusJSON{}
		e.getJSON(fmt.Sprintf("/api/runs/%v", id), &st)
		if st.Final {
			return st
		}
		time.Sleep(10 * time.Millisecond)
	}
	e.t.Fatalf("Run %v did not finish", id)
	return statusJSON{}
}

func carBox(confidence float64) nn.Box {
	return nn.Box{X: 30, Y: 20, Width: 20, Height: 10, Class: "car", Confidence: confidence}
}

// Finds the car in a.png, and a phantom dog in b.png
func fixedDetector() nn.Detector {
	return nn.DetectorFunc(func(ctx context.Context, img nn.Image) (nn.PredictionSet, error) {
		if img.Name == "a.png" {
			return nn.PredictionSet{carBox(0.9)}, nil
		}
		return nn.PredictionSet{{X: 10, Y: 10, Width: 8, Height: 8, Class: "dog", Confidence: 0.7}}, nil
	})
}

func twoImageRun(t *testing.T) map[string]any {
	return map[string]any{
		"name": "two images",
		"images": []testImage{
			{Name: "a.png", Data: makePNG(t, 64, 48)},
			{Name: "b.png", Data: makePNG(t, 64, 48)},
		},
		"groundTruth": [][]nn.Box{{carBox(0)}, {}},
	}
}

func TestPing(t *testing.T) {
	e := newTestEnv(t, fixedDetector())
	ping := map[string]int64{}
	e.getJSON("/api/ping", &ping)
	require.Greater(t, ping["time"], int64(0))
}

func TestDashboard(t *testing.T) {
	e := newTestEnv(t, fixedDetector())
	// The static file server's gzip stream has no trailer, which Go's client rejects
	code, body := e.doWithHeader("GET", "/", nil, http.Header{"Accept-Encoding": {"identity"}})
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, string(body), "<title>Detector evaluation</title>")

	code, _ = e.do("GET", "/api/nothing", nil)
	require.Equal(t, http.StatusNotFound, code)
}

func TestRunLifecycle(t *testing.T) {
	e := newTestEnv(t, fixedDetector())
	id := e.createRun(twoImageRun(t))
	st := e.waitFinal(id)
	require.Equal(t, "completed", st.State)
	require.Empty(t, st.Error)

	summaries := []map[string]any{}
	e.getJSON("/api/results", &summaries)
	require.Len(t, summaries, 1)
	require.Equal(t, "two images", summaries[0]["name"])
	require.InDelta(t, 0.5, summaries[0]["precision"], 1e-9)
	require.InDelta(t, 1.0, summaries[0]["recall"], 1e-9)
	require.Nil(t, summaries[0]["detail"])

	full := struct {
		State  string `json:"state"`
		Detail struct {
			Images      []map[string]any `json:"images"`
			Predictions [][]nn.Box       `json:"predictions"`
		} `json:"detail"`
	}{}
	e.getJSON(fmt.Sprintf("/api/results/%v", id), &full)
	require.Equal(t, "completed", full.State)
	require.Len(t, full.Detail.Images, 2)
	require.Equal(t, "b.png", full.Detail.Images[1]["name"])
	require.Len(t, full.Detail.Predictions, 2)

	// Raising the confidence threshold above the dog's removes the false positive
	recompute := recomputeJSON{}
	code, body := e.do("POST", fmt.Sprintf("/api/results/%v/recompute", id), map[string]any{"confidenceThreshold": 0.8})
	require.Equal(t, http.StatusOK, code, string(body))
	require.NoError(t, json.Unmarshal(body, &recompute))
	require.Equal(t, 0.8, recompute.ConfidenceThreshold)
	require.Equal(t, 0.5, recompute.IoUThreshold)
	require.Equal(t, 1.0, recompute.Metrics.Precision)
	require.Equal(t, 1.0, recompute.Metrics.Recall)

	sweep := struct {
		Curve            []map[string]any `json:"curve"`
		OptimalThreshold float64          `json:"optimalThreshold"`
	}{}
	e.getJSON(fmt.Sprintf("/api/results/%v/sweep", id), &sweep)
	require.Len(t, sweep.Curve, 9)
	require.Equal(t, 0.8, sweep.OptimalThreshold)

	code, body = e.do("GET", fmt.Sprintf("/api/results/%v/export?format=csv", id), nil)
	require.Equal(t, http.StatusOK, code)
	require.True(t, strings.HasPrefix(string(body), "class,"), string(body))
	code, _ = e.do("GET", fmt.Sprintf("/api/results/%v/export?format=xml", id), nil)
	require.Equal(t, http.StatusBadRequest, code)

	code, body = e.do("GET", fmt.Sprintf("/api/results/%v/diff/0", id), nil)
	require.Equal(t, http.StatusOK, code)
	_, format, err := image.DecodeConfig(bytes.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, "jpeg", format)
	code, _ = e.do("GET", fmt.Sprintf("/api/results/%v/diff/2", id), nil)
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = e.do("DELETE", fmt.Sprintf("/api/results/%v", id), nil)
	require.Equal(t, http.StatusOK, code)
	code, _ = e.do("GET", fmt.Sprintf("/api/results/%v", id), nil)
	require.Equal(t, http.StatusNotFound, code)
	code, _ = e.do("GET", fmt.Sprintf("/api/runs/%v", id), nil)
	require.Equal(t, http.StatusNotFound, code)
}

func TestRunValidation(t *testing.T) {
	e := newTestEnv(t, fixedDetector())

	// More images than ground truth
	body := twoImageRun(t)
	body["groundTruth"] = [][]nn.Box{{carBox(0)}}
	code, resp := e.do("POST", "/api/runs", body)
	require.Equal(t, http.StatusBadRequest, code)
	require.Contains(t, string(resp), "ground truth")

	body = twoImageRun(t)
	body["images"] = []testImage{{Name: "a.png", Data: []byte("not a png")}}
	code, _ = e.do("POST", "/api/runs", body)
	require.Equal(t, http.StatusBadRequest, code)

	body = twoImageRun(t)
	body["groundTruth"] = "cars everywhere"
	code, _ = e.do("POST", "/api/runs", body)
	require.Equal(t, http.StatusBadRequest, code)

	summaries := []map[string]any{}
	e.getJSON("/api/results", &summaries)
	require.Len(t, summaries, 0)
}

func TestRunFailure(t *testing.T) {
	e := newTestEnv(t, nn.DetectorFunc(func(ctx context.Context, img nn.Image) (nn.PredictionSet, error) {
		return nil, fmt.Errorf("model is sleeping")
	}))
	id := e.createRun(twoImageRun(t))
	st := e.waitFinal(id)
	require.Equal(t, "failed", st.State)
	require.Contains(t, st.Error, "model is sleeping")

	// Metrics only exist for completed runs
	code, _ := e.do("GET", fmt.Sprintf("/api/results/%v/sweep", id), nil)
	require.Equal(t, http.StatusBadRequest, code)
}

// A detector that waits until it is released
type gatedDetector struct {
	release chan bool
}

func (g *gatedDetector) Detect(ctx context.Context, img nn.Image) (nn.PredictionSet, error) {
	select {
	case <-g.release:
		return nn.PredictionSet{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestRunWebSocket(t *testing.T) {
	gate := &gatedDetector{release: make(chan bool)}
	e := newTestEnv(t, gate)
	body := twoImageRun(t)
	body["batchSize"] = 1
	id := e.createRun(body)

	wsURL := "ws" + strings.TrimPrefix(e.baseURL, "http") + fmt.Sprintf("/api/runs/%v/ws", id)
	c, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer c.Close()

	first := statusJSON{}
	require.NoError(t, c.ReadJSON(&first))
	require.Contains(t, []string{"idle", "running"}, first.State)
	require.False(t, first.Final)

	gate.release <- true
	gate.release <- true

	var last statusJSON
	sawProgress := false
	for !last.Final {
		last = statusJSON{}
		require.NoError(t, c.ReadJSON(&last))
		if !last.Final && last.Progress["processed"] != nil {
			sawProgress = true
		}
	}
	require.Equal(t, "completed", last.State)
	require.Equal(t, float64(2), last.Progress["processed"])
	// Progress messages may be dropped, but with a buffer of 16 both of ours should get through
	require.True(t, sawProgress)

	// Once finished, the websocket sends a single final message
	c2, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer c2.Close()
	done := statusJSON{}
	require.NoError(t, c2.ReadJSON(&done))
	require.True(t, done.Final)
	require.Equal(t, "completed", done.State)
}

func TestRunCancel(t *testing.T) {
	// Buffered, because the cancellation may land before the first group starts
	gate := &gatedDetector{release: make(chan bool, 2)}
	e := newTestEnv(t, gate)
	body := twoImageRun(t)
	body["batchSize"] = 1
	id := e.createRun(body)

	code, _ := e.do("POST", fmt.Sprintf("/api/runs/%v/cancel", id), nil)
	require.Equal(t, http.StatusOK, code)
	// The first group is in flight, and is allowed to finish
	gate.release <- true

	st := e.waitFinal(id)
	require.Equal(t, "cancelled", st.State)

	code, _ = e.do("POST", fmt.Sprintf("/api/runs/%v/cancel", id), nil)
	require.Equal(t, http.StatusBadRequest, code)
}

func TestShutdownAbortsRuns(t *testing.T) {
	gate := &gatedDetector{release: make(chan bool)}
	e := newTestEnv(t, gate)
	id := e.createRun(twoImageRun(t))
	e.server.Shutdown()

	results, err := resultdb.NewResultDB(logs.NewTestingLog(t), e.server.config.DB)
	require.NoError(t, err)
	run, err := results.LoadFull(id)
	require.NoError(t, err)
	require.Equal(t, "cancelled", run.State)
	require.False(t, run.FinishedAt.IsZero())
}

func TestZeroIoUThresholdIsStored(t *testing.T) {
	e := newTestEnv(t, fixedDetector())
	body := twoImageRun(t)
	// Same class as the car, but barely overlapping it
	body["groundTruth"] = [][]nn.Box{{{X: 45, Y: 28, Width: 20, Height: 10, Class: "car"}}, {}}
	body["iouThreshold"] = 0
	id := e.createRun(body)
	require.Equal(t, "completed", e.waitFinal(id).State)

	full := map[string]any{}
	e.getJSON(fmt.Sprintf("/api/results/%v", id), &full)
	require.Equal(t, 0.0, full["iouThreshold"])
	require.Equal(t, 1.0, full["recall"])

	recompute := recomputeJSON{}
	code, resp := e.do("POST", fmt.Sprintf("/api/results/%v/recompute", id), map[string]any{})
	require.Equal(t, http.StatusOK, code, string(resp))
	require.NoError(t, json.Unmarshal(resp, &recompute))
	require.Equal(t, 0.0, recompute.IoUThreshold)
	require.Equal(t, 1, recompute.Metrics.TruePositives())
	require.Equal(t, 1.0, recompute.Metrics.Recall)
}

func TestNoRunsAfterShutdown(t *testing.T) {
	e := newTestEnv(t, fixedDetector())
	e.server.Shutdown()
	code, resp := e.do("POST", "/api/runs", twoImageRun(t))
	require.Equal(t, http.StatusServiceUnavailable, code, string(resp))
}
