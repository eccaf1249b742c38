package resultdb

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/deteval/pkg/batch"
	"github.com/cyclopcam/deteval/pkg/eval"
	"github.com/cyclopcam/deteval/pkg/nn"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) *ResultDB {
	t.Helper()
	db, err := NewResultDB(logs.NewTestingLog(t), dbh.MakeSqliteConfig(filepath.Join(t.TempDir(), "results.sqlite")))
	require.NoError(t, err)
	return db
}

func makeResult() *batch.Result {
	preds := []nn.PredictionSet{{{X: 100, Y: 100, Width: 50, Height: 50, Class: "car", Confidence: 0.9}}}
	gt := []nn.GroundTruthSet{{{X: 100, Y: 100, Width: 50, Height: 50, Class: "car"}, {X: 300, Y: 300, Width: 50, Height: 50, Class: "dog"}}}
	pairs := eval.MakeImagePairs(preds, gt)
	curve := eval.Sweep(pairs, nil, 0.5)
	return &batch.Result{
		Predictions:      preds,
		GroundTruth:      gt,
		Metrics:          eval.RecomputeImages(pairs, 0.5, 0.5),
		Curve:            curve,
		OptimalThreshold: eval.FindOptimalThreshold(curve),
		Duration:         1500 * time.Millisecond,
	}
}

func TestSaveLoadDelete(t *testing.T) {
	db := setup(t)

	run := &Run{
		Name:                "first",
		State:               batch.StateRunning.String(),
		NumImages:           1,
		BatchSize:           4,
		IoUThreshold:        0.5,
		ConfidenceThreshold: 0.5,
		Detail:              dbh.MakeJSONField(RunDetail{Images: []ImageInfo{{Name: "a.jpg", Width: 640, Height: 480}}}),
	}
	require.NoError(t, db.Save(run))
	require.NotEqual(t, int64(0), run.ID)

	run.SetResult(makeResult())
	run.State = batch.StateCompleted.String()
	require.NoError(t, db.Save(run))

	second := &Run{Name: "second", State: batch.StateRunning.String(), NumImages: 3}
	require.NoError(t, db.Save(second))

	summaries, err := db.ListSummaries()
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	require.Equal(t, "second", summaries[0].Name)
	require.Nil(t, summaries[1].Detail)
	require.InDelta(t, 0.6667, summaries[1].F1, 0.001)

	full, err := db.LoadFull(run.ID)
	require.NoError(t, err)
	require.NotNil(t, full.Detail)
	require.Equal(t, "a.jpg", full.Detail.Data.Images[0].Name)
	require.Len(t, full.Detail.Data.Predictions, 1)
	require.Equal(t, 1, full.Detail.Data.Metrics.Class("dog").FalseNegatives)
	require.Equal(t, int64(1500), full.DurationMS)
	require.Len(t, full.Detail.Data.Pairs(), 1)

	n, err := db.MarkInterrupted()
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	s2, err := db.LoadFull(second.ID)
	require.NoError(t, err)
	require.Equal(t, "failed", s2.State)

	require.NoError(t, db.Delete(second.ID))
	require.ErrorIs(t, db.Delete(second.ID), ErrNotFound)
	_, err = db.LoadFull(second.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestExport(t *testing.T) {
	db := setup(t)
	run := &Run{Name: "export", State: batch.StateCompleted.String(), NumImages: 1}
	run.SetResult(makeResult())
	require.NoError(t, db.Save(run))

	buf := bytes.Buffer{}
	filename, contentType, err := db.Export(run.ID, FormatCSV, &buf)
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(filename, ".csv"))
	require.Equal(t, "text/csv", contentType)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	require.True(t, strings.HasPrefix(lines[1], "car,1,0,0,1.0000"))
	require.True(t, strings.HasPrefix(lines[2], "dog,0,0,1,"))
	require.True(t, strings.HasPrefix(lines[3], "(overall),1,0,1,"))

	buf.Reset()
	_, contentType, err = db.Export(run.ID, FormatJSON, &buf)
	require.NoError(t, err)
	require.Equal(t, "application/json", contentType)
	decoded := Run{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Equal(t, "export", decoded.Name)

	_, _, err = db.Export(run.ID, "xml", &buf)
	require.Error(t, err)
	_, _, err = db.Export(999, FormatCSV, &buf)
	require.ErrorIs(t, err, ErrNotFound)
}
