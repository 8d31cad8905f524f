// Command haploscope runs the binocular-disparity stereopsis task.
//
// By default it expects a 'stimuli' directory of '*_L.png' / '*_R.png'
// pairs next to the working directory and writes results under 'data'.
//
// Run a session:
//
//	haploscope --participant P07
//
// Print calibration values for every stimulus without opening the task:
//
//	haploscope --dry-run
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/teranos/haploscope"
	"github.com/teranos/haploscope/store"
)

// envConfig holds the environment-variable surface. Flags override it.
type envConfig struct {
	StimuliDir  string `env:"HAPLO_STIMULI" envDefault:"stimuli"`
	DataDir     string `env:"HAPLO_DATA_DIR" envDefault:"data"`
	ResultsDB   string `env:"HAPLO_RESULTS_DB"`
	Participant string `env:"HAPLO_PARTICIPANT"`
	FrameDir    string `env:"HAPLO_FRAME_DIR"`
	Debug       bool   `env:"HAPLO_DEBUG"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "haploscope:", err)
		os.Exit(1)
	}
}

func run() error {
	var ec envConfig
	if err := env.Parse(&ec); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	stimuli := flag.String("stimuli", ec.StimuliDir, "directory containing left/right PNG pairs")
	dataDir := flag.String("data-dir", ec.DataDir, "folder where CSV and database outputs are saved")
	resultsDB := flag.String("results-db", ec.ResultsDB, "SQLite results database path (empty: <data-dir>/results.db)")
	participant := flag.String("participant", ec.Participant, "participant identifier recorded with the results")
	iodMM := flag.Float64("iod-mm", 0, "override the interocular distance (mm) for all trials")
	focalMM := flag.Float64("focal-distance-mm", 0, "override the haploscope focal distance (mm) for all trials")
	frameDir := flag.String("frames", ec.FrameDir, "capture a debug PNG of every phase view into this directory")
	dryRun := flag.Bool("dry-run", false, "load stimuli, print calibration values for each, and exit")
	debug := flag.Bool("debug", ec.Debug, "enable debug logging")
	flag.Parse()

	rig := haploscope.DefaultRigGeometry()
	if err := applyRigOverride(&rig.IODMM, "iod-mm", *iodMM); err != nil {
		return err
	}
	if err := applyRigOverride(&rig.FocalDistanceMM, "focal-distance-mm", *focalMM); err != nil {
		return err
	}

	catalog, err := haploscope.LoadCatalog(*stimuli)
	if err != nil {
		return err
	}

	if *dryRun {
		return dryRunReport(os.Stdout, catalog, rig)
	}

	if err := os.MkdirAll(*dataDir, 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	// The terminal belongs to the participant UI, so the log goes to a file.
	logPath := filepath.Join(*dataDir, "haploscope.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(logFile, &slog.HandlerOptions{Level: level}))

	cfg := haploscope.DefaultConfig()
	cfg.Debug = *debug
	cfg.FrameCaptureDir = *frameDir

	surface := haploscope.NewTeaSurface(cfg)
	if err := surface.Start(); err != nil {
		return fmt.Errorf("start surface: %w", err)
	}

	sched, err := haploscope.NewScheduler(surface, rig, cfg, logger)
	if err != nil {
		surface.Stop()
		return err
	}

	rec, runErr := sched.RunSession(catalog)
	surface.Stop()
	if runErr != nil {
		return runErr
	}
	rec.Participant = *participant

	if err := saveResults(rec, *dataDir, *resultsDB, logger); err != nil {
		return err
	}

	fmt.Print(haploscope.Summarize(rec))
	if faults := sched.Faults(); len(faults.Faults()) > 0 || len(faults.Degraded()) > 0 {
		fmt.Println(faults.Summary())
	}
	return nil
}

// applyRigOverride applies one geometry flag. Zero means "keep the rig
// default"; a negative value is an operator mistake and must error out, not
// fall back silently.
func applyRigOverride(dst *float64, name string, value float64) error {
	if value < 0 {
		return fmt.Errorf("--%s must be positive, got %g", name, value)
	}
	if value > 0 {
		*dst = value
	}
	return nil
}

// saveResults writes the CSV export and the SQLite rows. Both sinks receive
// the same record; losing one should not lose the other.
func saveResults(rec *haploscope.SessionRecord, dataDir, dbPath string, logger *slog.Logger) error {
	name := fmt.Sprintf("haploscope_%s_%s.csv", rec.Participant, rec.StartedAt.Format("20060102_150405"))
	csvPath := filepath.Join(dataDir, name)
	csvFile, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("create csv: %w", err)
	}
	defer csvFile.Close()
	if err := haploscope.WriteCSV(csvFile, rec); err != nil {
		return err
	}
	logger.Info("results saved", "csv", csvPath, "trials", len(rec.Results))

	if dbPath == "" {
		dbPath = filepath.Join(dataDir, "results.db")
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.SaveSession(ctx, rec); err != nil {
		return fmt.Errorf("save session to %s: %w", dbPath, err)
	}
	logger.Info("session persisted", "db", dbPath, "session", rec.ID)
	return nil
}

// dryRunReport prints the calibration summary for every stimulus using the
// legacy console field names, then exits without opening the task.
func dryRunReport(w io.Writer, catalog []haploscope.StimulusDescriptor, rig haploscope.RigGeometry) error {
	fmt.Fprintf(w, "Dry-run: %d stimuli loaded.\n", len(catalog))
	for i, stim := range catalog {
		pos, err := haploscope.ComputePositions(rig, stim.Overrides)
		if err != nil {
			return fmt.Errorf("stimulus %q: %w", stim.ID, err)
		}
		fmt.Fprintf(w, "[%03d] %s\n", i+1, stim.ID)
		fmt.Fprintf(w, "      iod_mm=%.2f | focal_mm=%.2f\n", pos.IODMM, pos.FocalDistanceMM)

		summary := pos.HardwareSummary()
		fields := make([]string, 0, len(summary))
		for field := range summary {
			fields = append(fields, field)
		}
		sort.Strings(fields)
		for _, field := range fields {
			fmt.Fprintf(w, "      %-14s: %.4f\n", field, summary[field])
		}
		if pos.Clipped {
			fmt.Fprintf(w, "      WARNING: viewport clipped at monitor bound\n")
		}
	}
	fmt.Fprintln(w, "Dry-run complete.")
	return nil
}
