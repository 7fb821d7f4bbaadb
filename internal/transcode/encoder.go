package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"codeberg.org/gruf/go-ffmpreg/ffmpreg"
	"codeberg.org/gruf/go-ffmpreg/wasm"
	"github.com/tetratelabs/wazero"

	"github.com/drapik/tg-stream-bot/internal/proc"
)

// Encoder re-encodes in to out. Implementations must honour ctx.
type Encoder interface {
	Name() string
	Encode(ctx context.Context, in, out string) error
}

// encodeArgs is the broadcast-safe H.264/AAC MP4 recipe.
func encodeArgs(in, out string) []string {
	return []string{
		"-y",
		"-hide_banner", "-loglevel", "error",
		"-i", in,
		"-c:v", "libx264",
		"-preset", "fast",
		"-crf", "23",
		"-c:a", "aac",
		"-movflags", "+faststart",
		"-pix_fmt", "yuv420p",
		out,
	}
}

// ExecEncoder runs a native ffmpeg executable.
type ExecEncoder struct {
	binary string
	runner proc.Runner
}

func NewExecEncoder(binary string, runner proc.Runner) *ExecEncoder {
	return &ExecEncoder{binary: binary, runner: runner}
}

func (e *ExecEncoder) Name() string { return "ffmpeg:" + e.binary }

func (e *ExecEncoder) Encode(ctx context.Context, in, out string) error {
	res, err := e.runner.Run(ctx, proc.Command{
		Path: e.binary,
		Args: encodeArgs(in, out),
		Dir:  filepath.Dir(out),
	})
	if err != nil {
		if stderr := strings.TrimSpace(res.Stderr); stderr != "" {
			return fmt.Errorf("ffmpeg: %w: %s", err, stderr)
		}
		return fmt.Errorf("ffmpeg: %w", err)
	}
	return nil
}

// WASMEncoder runs the embedded WebAssembly ffmpeg build. It needs no
// executable on the host but is considerably slower.
type WASMEncoder struct{}

func NewWASMEncoder() *WASMEncoder { return &WASMEncoder{} }

func (WASMEncoder) Name() string { return "ffmpeg:wasm" }

func (WASMEncoder) Encode(ctx context.Context, in, out string) error {
	absIn, err := filepath.Abs(in)
	if err != nil {
		return err
	}
	absOut, err := filepath.Abs(out)
	if err != nil {
		return err
	}
	inDir := filepath.Dir(absIn)
	outDir := filepath.Dir(absOut)

	var stderr bytes.Buffer
	args := wasm.Args{
		Stderr: &stderr,
		Stdout: &bytes.Buffer{},
		Args:   encodeArgs(absIn, absOut),
		Config: func(cfg wazero.ModuleConfig) wazero.ModuleConfig {
			fs := wazero.NewFSConfig().WithDirMount(inDir, inDir)
			if outDir != inDir {
				fs = fs.WithDirMount(outDir, outDir)
			}
			return cfg.WithFSConfig(fs)
		},
	}

	rc, err := ffmpreg.Ffmpeg(ctx, args)
	if err != nil {
		return fmt.Errorf("wasm ffmpeg: %w", err)
	}
	if rc != 0 {
		return fmt.Errorf("wasm ffmpeg exited with code %d: %s", rc, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// ErrNotFound is returned by Locate when no native ffmpeg is available.
var ErrNotFound = errors.New("ffmpeg executable not found")

// Locate resolves the native ffmpeg: an explicit path wins, then the
// bundled directory, then PATH.
func Locate(explicit, bundledDir string) (string, error) {
	if explicit != "" {
		if isExecutable(explicit) {
			return explicit, nil
		}
		return "", fmt.Errorf("configured ffmpeg %q is not executable: %w", explicit, ErrNotFound)
	}

	if bundledDir != "" {
		names := []string{"ffmpeg"}
		if runtime.GOOS == "windows" {
			names = []string{"ffmpeg.exe", "ffmpeg"}
		}
		for _, name := range names {
			candidate := filepath.Join(bundledDir, name)
			if isExecutable(candidate) {
				return candidate, nil
			}
		}
	}

	path, err := exec.LookPath("ffmpeg")
	if err != nil {
		return "", ErrNotFound
	}
	return path, nil
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode().Perm()&0o111 != 0
}
