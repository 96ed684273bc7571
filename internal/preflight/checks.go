package preflight

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/dustin/go-humanize"

	"github.com/Aman-CERP/ragindex/internal/embed"
	"github.com/Aman-CERP/ragindex/internal/errors"
	"github.com/Aman-CERP/ragindex/internal/store"
)

// MinDiskSpaceBytes is the free space DiskSpace requires by default.
const MinDiskSpaceBytes = 100 * 1024 * 1024

// DataRoot checks that path exists or can be created, and is writable.
func DataRoot(path string) Check {
	return func(_ context.Context) CheckResult {
		result := CheckResult{Name: "data_root", Required: true, Details: path}

		if err := os.MkdirAll(path, 0o755); err != nil {
			result.Status = StatusFail
			result.Message = fmt.Sprintf("cannot create: %v", err)
			return result
		}
		f, err := os.CreateTemp(path, ".ragindex-preflight-*")
		if err != nil {
			result.Status = StatusFail
			result.Message = fmt.Sprintf("permission denied: %v", err)
			return result
		}
		name := f.Name()
		_ = f.Close()
		_ = os.Remove(name)

		result.Status = StatusPass
		result.Message = "writable"
		return result
	}
}

// DiskSpace checks the free space of the filesystem holding path, or its
// nearest existing parent.
func DiskSpace(path string, minBytes uint64) Check {
	return func(_ context.Context) CheckResult {
		result := CheckResult{Name: "disk_space", Required: true}

		dir := existingParent(path)
		var stat syscall.Statfs_t
		if err := syscall.Statfs(dir, &stat); err != nil {
			result.Status = StatusFail
			result.Message = fmt.Sprintf("failed to check disk space: %v", err)
			return result
		}

		free := stat.Bavail * uint64(stat.Bsize)
		result.Message = fmt.Sprintf("%s free (minimum: %s)", humanize.IBytes(free), humanize.IBytes(minBytes))
		result.Details = dir
		if free < minBytes {
			result.Status = StatusFail
		} else {
			result.Status = StatusPass
		}
		return result
	}
}

func existingParent(path string) string {
	p := filepath.Clean(path)
	for {
		if _, err := os.Stat(p); err == nil {
			return p
		}
		parent := filepath.Dir(p)
		if parent == p {
			return p
		}
		p = parent
	}
}

// Embedder checks that e answers and reports its model. A failure is a
// warning because the static provider works offline.
func Embedder(e embed.Embedder) Check {
	return func(ctx context.Context) CheckResult {
		result := CheckResult{Name: "embedder"}
		if e == nil {
			result.Status = StatusFail
			result.Message = "no embedder configured"
			return result
		}

		desc := fmt.Sprintf("%s (%d dims)", e.ModelName(), e.Dimensions())
		if !e.Available(ctx) {
			result.Status = StatusWarn
			result.Message = desc + " is not reachable"
			return result
		}
		if _, err := e.Embed(ctx, "preflight"); err != nil {
			result.Status = StatusWarn
			result.Message = fmt.Sprintf("%s failed to embed: %v", desc, err)
			return result
		}
		result.Status = StatusPass
		result.Message = desc
		return result
	}
}

// Backend checks that b can open collection and count it.
func Backend(b store.Backend, collection string) Check {
	return func(ctx context.Context) CheckResult {
		result := CheckResult{Name: "backend", Required: true}
		if b == nil {
			result.Status = StatusFail
			result.Message = "no backend configured"
			return result
		}

		if err := b.InitializeCollection(ctx, collection); err != nil {
			result.Status = StatusFail
			result.Message = fmt.Sprintf("%s: %v", b.Type(), err)
			if errors.IsRetryable(err) {
				result.Details = "retryable; check that the server is running"
			}
			return result
		}
		n, err := b.Count(ctx)
		if err != nil {
			result.Status = StatusFail
			result.Message = fmt.Sprintf("%s: %v", b.Type(), err)
			return result
		}
		result.Status = StatusPass
		result.Message = fmt.Sprintf("%s, collection %q holds %d chunks", b.Type(), collection, n)
		return result
	}
}
