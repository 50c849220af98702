package result

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/signalnine/pinchbench/internal/transcript"
)

const (
	DocumentFile   = "results.json"
	MetaFile       = "meta.json"
	TranscriptFile = "transcript.jsonl"
	PatchFile      = "diff.patch"
)

// CreateRunDir allocates the next sequential run id under baseDir/runs and
// points baseDir/latest at it.
func CreateRunDir(baseDir string) (runID, runDir string, err error) {
	runsDir, err := filepath.Abs(filepath.Join(baseDir, "runs"))
	if err != nil {
		return "", "", fmt.Errorf("resolving runs dir: %w", err)
	}
	if err := os.MkdirAll(runsDir, 0o755); err != nil {
		return "", "", fmt.Errorf("creating runs dir: %w", err)
	}
	ids, err := runIDs(runsDir)
	if err != nil {
		return "", "", err
	}
	next := 1
	if len(ids) > 0 {
		next = ids[len(ids)-1] + 1
	}
	// Another process may take the same number between the scan and the
	// mkdir; move on to the next one.
	for ; ; next++ {
		runID = fmt.Sprintf("%04d", next)
		runDir = filepath.Join(runsDir, runID)
		err := os.Mkdir(runDir, 0o755)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", "", fmt.Errorf("creating run dir: %w", err)
		}
	}

	latest := filepath.Join(baseDir, "latest")
	os.Remove(latest)
	if err := os.Symlink(runDir, latest); err != nil {
		return "", "", fmt.Errorf("creating latest symlink: %w", err)
	}
	return runID, runDir, nil
}

func runIDs(runsDir string) ([]int, error) {
	entries, err := os.ReadDir(runsDir)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	var ids []int
	for _, e := range entries {
		if !e.IsDir() || len(e.Name()) < 4 {
			continue
		}
		if n, err := strconv.Atoi(e.Name()); err == nil && n > 0 {
			ids = append(ids, n)
		}
	}
	sort.Ints(ids)
	return ids, nil
}

// ExecutionDir is where repeat n of taskID keeps its artifacts.
func ExecutionDir(runDir, taskID string, repeat int) string {
	return filepath.Join(runDir, "tasks", taskID, fmt.Sprintf("run-%d", repeat))
}

// WriteExecution stores meta.json and transcript.jsonl, plus diff.patch when
// a patch was captured.
func WriteExecution(dir string, meta *ExecutionMeta, events []transcript.Event, patch []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating execution dir: %w", err)
	}
	if err := writeJSON(filepath.Join(dir, MetaFile), meta); err != nil {
		return fmt.Errorf("writing meta: %w", err)
	}
	if err := transcript.WriteFile(filepath.Join(dir, TranscriptFile), events); err != nil {
		return err
	}
	if patch != nil {
		if err := os.WriteFile(filepath.Join(dir, PatchFile), patch, 0o644); err != nil {
			return fmt.Errorf("writing diff.patch: %w", err)
		}
	}
	return nil
}

func ReadExecutionMeta(path string) (*ExecutionMeta, error) {
	var meta ExecutionMeta
	if err := readJSON(path, &meta); err != nil {
		return nil, fmt.Errorf("reading meta: %w", err)
	}
	return &meta, nil
}

// WriteDocument atomically replaces runDir/results.json.
func WriteDocument(runDir string, doc *Document) error {
	path := filepath.Join(runDir, DocumentFile)
	tmp := path + ".tmp"
	if err := writeJSON(tmp, doc); err != nil {
		return fmt.Errorf("writing results: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("writing results: %w", err)
	}
	return nil
}

func ReadDocument(path string) (*Document, error) {
	var doc Document
	if err := readJSON(path, &doc); err != nil {
		return nil, fmt.Errorf("reading results: %w", err)
	}
	if doc.RunID == "" {
		return nil, fmt.Errorf("reading results %s: missing run_id", path)
	}
	return &doc, nil
}

// ListDocuments loads every results.json under baseDir/runs in run order.
// Runs without a results document (still running, or aborted) are skipped.
func ListDocuments(baseDir string) ([]*Document, error) {
	runsDir := filepath.Join(baseDir, "runs")
	ids, err := runIDs(runsDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var docs []*Document
	for _, id := range ids {
		path := filepath.Join(runsDir, fmt.Sprintf("%04d", id), DocumentFile)
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		doc, err := ReadDocument(path)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}
