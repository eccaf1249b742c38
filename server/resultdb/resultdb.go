package resultdb

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/deteval/pkg/batch"
	"github.com/cyclopcam/logs"
	"gorm.io/gorm"
)

var ErrNotFound = errors.New("Evaluation run not found")

// Export formats
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// ResultDB stores the outcome of evaluation runs
type ResultDB struct {
	Log logs.Log
	DB  *gorm.DB
}

// Open or create the result database
func NewResultDB(log logs.Log, config dbh.DBConfig) (*ResultDB, error) {
	if config.Driver == dbh.DriverSqlite {
		os.MkdirAll(filepath.Dir(config.Database), 0777)
	}
	db, err := dbh.OpenDB(log, config, Migrations(log), 0)
	if err != nil {
		return nil, fmt.Errorf("Failed to open result database %v: %w", config.LogSafeDescription(), err)
	}
	return &ResultDB{
		Log: log,
		DB:  db,
	}, nil
}

// Save creates the run if its ID is zero, otherwise overwrites it
func (r *ResultDB) Save(run *Run) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = dbh.MakeIntTime(time.Now())
	}
	return r.DB.Save(run).Error
}

// ListSummaries returns all runs, newest first, without their Detail
func (r *ResultDB) ListSummaries() ([]Run, error) {
	runs := []Run{}
	if err := r.DB.Omit("detail").Order("created_at DESC, id DESC").Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

// LoadFull returns a run, including its Detail
func (r *ResultDB) LoadFull(id int64) (*Run, error) {
	run := Run{}
	if err := r.DB.First(&run, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &run, nil
}

func (r *ResultDB) Delete(id int64) error {
	res := r.DB.Delete(&Run{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkInterrupted fails any run that was still running when the process last stopped.
// Returns the number of runs that were marked.
func (r *ResultDB) MarkInterrupted() (int64, error) {
	res := r.DB.Model(&Run{}).Where("state = ?", batch.StateRunning.String()).Updates(map[string]any{
		"state":       batch.StateFailed.String(),
		"error":       "Interrupted by server restart",
		"finished_at": dbh.MakeIntTime(time.Now()),
	})
	return res.RowsAffected, res.Error
}

// Export writes the run to w, and returns a suitable filename and content type
func (r *ResultDB) Export(id int64, format string, w io.Writer) (filename, contentType string, err error) {
	run, err := r.LoadFull(id)
	if err != nil {
		return "", "", err
	}
	base := fmt.Sprintf("evaluation-%v", run.ID)
	switch format {
	case FormatJSON, "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return base + ".json", "application/json", enc.Encode(run)
	case FormatCSV:
		return base + ".csv", "text/csv", writeCSV(run, w)
	}
	return "", "", fmt.Errorf("Unknown export format '%v'. Valid formats are '%v' and '%v'", format, FormatJSON, FormatCSV)
}

func writeCSV(run *Run, w io.Writer) error {
	cw := csv.NewWriter(w)
	f := func(v float64) string {
		return strconv.FormatFloat(v, 'f', 4, 64)
	}
	i := strconv.Itoa
	cw.Write([]string{"class", "true_positives", "false_positives", "false_negatives", "precision", "recall", "f1", "mean_iou", "samples"})
	if run.Detail != nil {
		m := &run.Detail.Data.Metrics
		tp, fp, fn, samples := 0, 0, 0, 0
		for _, c := range m.Classes {
			cw.Write([]string{c.Class, i(c.TruePositives), i(c.FalsePositives), i(c.FalseNegatives), f(c.Precision), f(c.Recall), f(c.F1), f(c.MeanIoU), i(c.Samples)})
			tp += c.TruePositives
			fp += c.FalsePositives
			fn += c.FalseNegatives
			samples += c.Samples
		}
		cw.Write([]string{"(overall)", i(tp), i(fp), i(fn), f(m.Precision), f(m.Recall), f(m.F1), "", i(samples)})
	}
	cw.Flush()
	return cw.Error()
}
