package farm

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/midrender/midrender/pkg/types"
)

// scanSubmissions is the file dropbox: any tool that can write to the
// shared filesystem can submit a job by placing a SubmitRequest JSON in
// <farm>/submissions/. The leader sweeps the directory, enqueues valid
// requests, and moves every file out so nothing is processed twice.
func (f *Farm) scanSubmissions(nowMS int64) {
	f.cacheMu.Lock()
	if nowMS-f.lastScanMS < submissionScanMS {
		f.cacheMu.Unlock()
		return
	}
	f.lastScanMS = nowMS
	f.cacheMu.Unlock()

	dir := filepath.Join(f.farmPath, "submissions")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(dir, name)
		if f.processSubmission(path, nowMS) {
			f.moveSubmission(dir, name, "processed")
		} else {
			f.moveSubmission(dir, name, "rejected")
		}
	}
}

func (f *Farm) processSubmission(path string, nowMS int64) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		f.logger.Warn().Err(err).Str("file", path).Msg("failed to read submission")
		return false
	}

	var req types.SubmitRequest
	if err := json.Unmarshal(data, &req); err != nil {
		f.logger.Warn().Err(err).Str("file", path).Msg("malformed submission")
		return false
	}
	if err := req.Manifest.Validate(); err != nil {
		f.logger.Warn().Err(err).Str("file", path).Msg("invalid submission")
		return false
	}

	if req.Manifest.SubmittedBy == "" {
		req.Manifest.SubmittedBy = "dropbox"
	}
	if req.Manifest.SubmittedAtMS == 0 {
		req.Manifest.SubmittedAtMS = nowMS
	}

	d := f.currentDispatcher()
	if d == nil {
		return false
	}
	d.EnqueueSubmission(req.Manifest, req.Priority)
	f.logger.Info().Str("job", req.Manifest.JobID).Str("file", path).Msg("submission accepted")
	return true
}

// moveSubmission parks a handled file under processed/ or rejected/,
// suffixing a timestamp when the name is already taken.
func (f *Farm) moveSubmission(dir, name, bucket string) {
	dst := filepath.Join(dir, bucket)
	if err := os.MkdirAll(dst, 0755); err != nil {
		f.logger.Warn().Err(err).Msg("failed to create submission bucket")
		return
	}

	src := filepath.Join(dir, name)
	target := filepath.Join(dst, name)
	if _, err := os.Stat(target); err == nil {
		target = filepath.Join(dst, strings.TrimSuffix(name, ".json")+
			"-"+time.Now().Format("20060102T150405")+".json")
	}
	if err := os.Rename(src, target); err != nil {
		f.logger.Warn().Err(err).Str("file", src).Msg("failed to move submission")
		os.Remove(src)
	}
}
