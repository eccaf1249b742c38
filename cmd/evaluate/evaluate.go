package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/deteval/pkg/batch"
	"github.com/cyclopcam/deteval/pkg/detect"
	"github.com/cyclopcam/deteval/pkg/diffimage"
	"github.com/cyclopcam/deteval/pkg/eval"
	"github.com/cyclopcam/deteval/pkg/nn"
	"github.com/cyclopcam/deteval/pkg/prefixlog"
	"github.com/cyclopcam/deteval/server/resultdb"
	"github.com/cyclopcam/logs"
	"github.com/joho/godotenv"
	"github.com/olekukonko/tablewriter"
)

func main() {
	parser := argparse.NewParser("evaluate", "Evaluate an object detector against a directory of labelled images")
	imageDir := parser.String("i", "images", &argparse.Options{Help: "Directory of .jpg/.png images", Required: true})
	gtFile := parser.String("g", "groundtruth", &argparse.Options{Help: "Ground truth file (nested array, or COCO)", Required: true})
	detectorFile := parser.String("d", "detector", &argparse.Options{Help: "Detector config JSON file. Overrides --url"})
	url := parser.String("u", "url", &argparse.Options{Help: "Inference endpoint of an HTTP detector"})
	tokenURL := parser.String("", "tokenurl", &argparse.Options{Help: "Exchange the API key for a bearer token at this URL"})
	vision := parser.Flag("", "vision", &argparse.Options{Help: "Use Google Cloud Vision object localization", Default: false})
	batchSize := parser.Int("b", "batch", &argparse.Options{Help: "Number of concurrent detection calls", Default: batch.DefaultBatchSize})
	attempts := parser.Int("", "attempts", &argparse.Options{Help: "Attempts per image", Default: batch.DefaultMaxAttempts})
	iou := parser.Float("", "iou", &argparse.Options{Help: "IoU threshold for a match", Default: nn.DefaultIoUThreshold})
	confidence := parser.Float("", "confidence", &argparse.Options{Help: "Ignore predictions below this confidence", Default: nn.DefaultConfidenceThreshold})
	sweep := parser.Flag("s", "sweep", &argparse.Options{Help: "Print precision/recall at a range of confidence thresholds", Default: false})
	jsonOut := parser.String("o", "output", &argparse.Options{Help: "Write the full result as JSON to this file"})
	diffDir := parser.String("", "diffs", &argparse.Options{Help: "Write an image with predicted and ground truth boxes for every image into this directory"})
	dbFile := parser.String("", "db", &argparse.Options{Help: "Save the run into this sqlite result database"})
	name := parser.String("n", "name", &argparse.Options{Help: "Name of the run, when saving to --db"})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warnf("Error loading .env: %v", err)
	}

	exitOnErr := func(err error) {
		if err != nil {
			logger.Errorf("%v", err)
			os.Exit(1)
		}
	}

	detectorCfg := detect.Config{Type: detect.TypeHTTP}
	if *detectorFile != "" {
		raw, err := os.ReadFile(*detectorFile)
		exitOnErr(err)
		exitOnErr(json.Unmarshal(raw, &detectorCfg))
	} else if *vision {
		detectorCfg.Type = detect.TypeVision
	} else {
		detectorCfg.HTTP.URL = *url
		detectorCfg.TokenURL = *tokenURL
	}
	if detectorCfg.HTTP.APIKey == "" {
		detectorCfg.HTTP.APIKey = os.Getenv("DETEVAL_API_KEY")
	}

	images, err := detect.LoadImageDir(*imageDir)
	exitOnErr(err)
	names := make([]string, len(images))
	for i, img := range images {
		names[i] = img.Name
	}
	groundTruth, err := nn.LoadGroundTruthFile(*gtFile, names)
	exitOnErr(err)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	detector, closeDetector, err := detect.New(ctx, prefixlog.New(logger, "detector"), detectorCfg)
	exitOnErr(err)
	defer closeDetector()

	cfg := batch.DefaultConfig()
	cfg.BatchSize = *batchSize
	cfg.MaxAttempts = *attempts
	cfg.IoUThreshold = *iou
	cfg.ConfidenceThreshold = *confidence

	run, err := batch.NewRun(logger, images, groundTruth, cfg)
	exitOnErr(err)
	result, err := run.Execute(ctx, detector, func(p batch.Progress) {
		fmt.Printf("%v/%v images (%.0f%%), ETA %v\n", p.Processed, p.Total, p.Percent, p.ETA.Round(time.Second))
	})
	if *dbFile != "" {
		saveRun(logger, *dbFile, *name, run, images, result, err)
	}
	exitOnErr(err)

	printMetrics(os.Stdout, &result.Metrics)
	fmt.Printf("\nOptimal confidence threshold: %.2f\n", result.OptimalThreshold)
	if *sweep {
		fmt.Printf("\n")
		printCurve(os.Stdout, result.Curve)
	}
	if *jsonOut != "" {
		raw, err := json.MarshalIndent(result, "", "  ")
		exitOnErr(err)
		exitOnErr(os.WriteFile(*jsonOut, raw, 0644))
	}
	if *diffDir != "" {
		exitOnErr(writeDiffs(*diffDir, images, result, run.Config()))
	}
}

func printMetrics(w io.Writer, m *eval.OverallMetrics) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"class", "TP", "FP", "FN", "precision", "recall", "F1", "mean IoU"})
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	for _, c := range m.Classes {
		table.Append([]string{
			c.Class,
			strconv.Itoa(c.TruePositives),
			strconv.Itoa(c.FalsePositives),
			strconv.Itoa(c.FalseNegatives),
			fmt.Sprintf("%.3f", c.Precision),
			fmt.Sprintf("%.3f", c.Recall),
			fmt.Sprintf("%.3f", c.F1),
			fmt.Sprintf("%.3f", c.MeanIoU),
		})
	}
	table.SetFooter([]string{"overall", strconv.Itoa(m.TruePositives()), "", "", fmt.Sprintf("%.3f", m.Precision), fmt.Sprintf("%.3f", m.Recall), fmt.Sprintf("%.3f", m.F1), ""})
	table.Render()
	fmt.Fprintf(w, "Mean per-class precision: %.3f\n", m.MeanPrecision)
}

func printCurve(w io.Writer, curve []eval.CurvePoint) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"confidence", "precision", "recall", "F1"})
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	for _, p := range curve {
		table.Append([]string{
			fmt.Sprintf("%.2f", p.Threshold),
			fmt.Sprintf("%.3f", p.Precision),
			fmt.Sprintf("%.3f", p.Recall),
			fmt.Sprintf("%.3f", p.F1),
		})
	}
	table.Render()
}

func writeDiffs(dir string, images []nn.Image, result *batch.Result, cfg batch.Config) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	opt := diffimage.Options{
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		IoUThreshold:        cfg.IoUThreshold,
	}
	for i, img := range images {
		out, err := diffimage.Render(img, result.Predictions[i], result.GroundTruth[i], opt)
		if err != nil {
			return err
		}
		base := strings.TrimSuffix(img.Name, filepath.Ext(img.Name))
		f, err := os.Create(filepath.Join(dir, base+".diff.jpg"))
		if err != nil {
			return err
		}
		err = diffimage.EncodeJPEG(f, out, 0)
		f.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func saveRun(logger logs.Log, dbFile, name string, run *batch.Run, images []nn.Image, result *batch.Result, runErr error) {
	cfg := run.Config()
	db, err := resultdb.NewResultDB(logger, dbh.MakeSqliteConfig(dbFile))
	if err != nil {
		logger.Errorf("%v", err)
		return
	}
	if name == "" {
		name = time.Now().Format("2006-01-02 15:04:05")
	}
	info := make([]resultdb.ImageInfo, len(images))
	for i, img := range images {
		info[i] = resultdb.ImageInfo{Name: img.Name, Width: img.Width, Height: img.Height}
	}
	rec := &resultdb.Run{
		Name:                name,
		FinishedAt:          dbh.MakeIntTime(time.Now()),
		State:               run.State().String(),
		Detector:            "evaluate",
		NumImages:           len(images),
		BatchSize:           cfg.BatchSize,
		IoUThreshold:        cfg.IoUThreshold,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		Detail:              dbh.MakeJSONField(resultdb.RunDetail{Images: info}),
	}
	if runErr != nil {
		rec.Error = runErr.Error()
	} else {
		rec.SetResult(result)
	}
	if err := db.Save(rec); err != nil {
		logger.Errorf("Failed to save run: %v", err)
		return
	}
	logger.Infof("Saved run %v to %v", rec.ID, dbFile)
}
