package detector

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"gocv.io/x/gocv"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// serviceIdleTimeout shuts the helper process down after a period without frames.
const serviceIdleTimeout = 30 * time.Second

// ServiceDetector implements Detector using an external face service process.
// Frames are sent on stdin as a 4-byte big-endian length followed by JPEG bytes;
// the service answers each frame with one JSON line.
type ServiceDetector struct {
	config    Config
	script    string
	python    string
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	pipe      io.ReadCloser
	stdout    *bufio.Reader
	mu        sync.Mutex
	started   bool
	lastUsed  time.Time
	idleTimer *time.Timer
}

// NewServiceDetector creates a new service-backed detector.
// The helper process is started lazily on first detection.
func NewServiceDetector(script string, config Config) (*ServiceDetector, error) {
	if script == "" {
		script = findServiceScript()
	}
	if script == "" {
		return nil, fmt.Errorf("face_service.py not found")
	}
	if _, err := os.Stat(script); err != nil {
		return nil, fmt.Errorf("face service script: %w", err)
	}

	python := findVenvPython()
	if python == "" {
		python = "python3"
	}

	return &ServiceDetector{
		config: config,
		script: script,
		python: python,
	}, nil
}

// Detect sends the frame to the service and returns its detections.
// Entries without a box are passed through so the selector can report them.
// If ctx ends while the service is working, the process is killed and
// restarted on the next call.
func (d *ServiceDetector) Detect(ctx context.Context, frame *gocv.Mat) ([]Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := d.ensureStarted(); err != nil {
		return nil, err
	}

	// Encode frame as JPEG
	buf, err := gocv.IMEncode(".jpg", *frame)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	defer buf.Close()

	stop := d.watch(ctx)
	line, err := d.exchange(buf.GetBytes())
	if stop() {
		d.shutdown()
		return nil, fmt.Errorf("face service: %w", ctx.Err())
	}
	if err != nil {
		d.shutdown()
		return nil, err
	}

	result, err := parseServiceResponse([]byte(line), d.config.MaxFaces)
	if err != nil {
		return nil, err
	}

	d.lastUsed = time.Now()
	d.resetIdleTimer()

	return result, nil
}

// exchange writes one length-prefixed frame and reads the answer line.
func (d *ServiceDetector) exchange(data []byte) (string, error) {
	length := make([]byte, 4)
	binary.BigEndian.PutUint32(length, uint32(len(data)))

	if _, err := d.stdin.Write(length); err != nil {
		return "", fmt.Errorf("write length: %w", err)
	}
	if _, err := d.stdin.Write(data); err != nil {
		return "", fmt.Errorf("write data: %w", err)
	}

	line, err := d.stdout.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	return line, nil
}

// watch kills the helper process and unblocks its pipes if ctx ends before
// stop is called. stop reports whether the process was killed.
func (d *ServiceDetector) watch(ctx context.Context) (stop func() bool) {
	proc, pipe, stdin := d.cmd.Process, d.pipe, d.stdin
	done := make(chan struct{})
	killed := make(chan bool, 1)

	go func() {
		select {
		case <-ctx.Done():
			proc.Kill()
			// Children of the helper may still hold the pipes open.
			pipe.Close()
			stdin.Close()
			killed <- true
		case <-done:
			killed <- false
		}
	}()

	return func() bool {
		close(done)
		return <-killed
	}
}

// Close shuts down the helper process.
func (d *ServiceDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.shutdown()
}

func (d *ServiceDetector) ensureStarted() error {
	if d.started {
		return nil
	}

	d.cmd = exec.Command(d.python, d.script)

	stdin, err := d.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}

	stdout, err := d.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("create stdout pipe: %w", err)
	}

	d.cmd.Stderr = os.Stderr

	if err := d.cmd.Start(); err != nil {
		return fmt.Errorf("start face service: %w", err)
	}

	d.stdin = stdin
	d.pipe = stdout
	d.stdout = bufio.NewReader(stdout)
	d.started = true
	d.lastUsed = time.Now()

	return nil
}

func (d *ServiceDetector) shutdown() error {
	if !d.started {
		return nil
	}

	if d.idleTimer != nil {
		d.idleTimer.Stop()
		d.idleTimer = nil
	}

	if d.stdin != nil {
		d.stdin.Close()
	}

	err := d.cmd.Wait()
	d.started = false
	d.cmd = nil
	d.stdin = nil
	d.pipe = nil
	d.stdout = nil

	return err
}

func (d *ServiceDetector) resetIdleTimer() {
	if d.idleTimer != nil {
		d.idleTimer.Stop()
	}
	d.idleTimer = time.AfterFunc(serviceIdleTimeout, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.shutdown()
	})
}

func findServiceScript() string {
	execPath, err := os.Executable()
	var execDir string
	if err == nil {
		execDir = filepath.Dir(execPath)
	}

	candidates := []string{
		"scripts/face_service.py",
		"../scripts/face_service.py",
		filepath.Join(execDir, "scripts/face_service.py"),
		filepath.Join(os.Getenv("HOME"), ".moodlens/scripts/face_service.py"),
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			absPath, err := filepath.Abs(path)
			if err == nil {
				return absPath
			}
			return path
		}
	}
	return ""
}

// findVenvPython looks for a Python interpreter in a virtual environment.
func findVenvPython() string {
	execPath, err := os.Executable()
	if err != nil {
		return ""
	}
	execDir := filepath.Dir(execPath)

	candidates := []string{
		"venv/bin/python",
		"../venv/bin/python",
		filepath.Join(execDir, "venv/bin/python"),
		filepath.Join(os.Getenv("HOME"), ".moodlens/venv/bin/python"),
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			absPath, err := filepath.Abs(path)
			if err == nil {
				return absPath
			}
			return path
		}
	}
	return ""
}

// jsonFace represents the JSON structure from the face service.
type jsonFace struct {
	Box         *BoundingBox       `json:"box"`
	Landmarks   []Point            `json:"landmarks"`
	Expressions map[string]float64 `json:"expressions"`
	Score       float64            `json:"score"`
}

func parseServiceResponse(line []byte, maxFaces int) ([]Detection, error) {
	var response struct {
		Faces []jsonFace `json:"faces"`
		Error string     `json:"error"`
	}
	if err := json.Unmarshal(line, &response); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if response.Error != "" {
		return nil, fmt.Errorf("face service: %s", response.Error)
	}

	faces := response.Faces
	if maxFaces > 0 && len(faces) > maxFaces {
		faces = faces[:maxFaces]
	}

	result := make([]Detection, len(faces))
	for i, f := range faces {
		result[i] = Detection{
			Box:         f.Box,
			Landmarks:   f.Landmarks,
			Expressions: Expressions(f.Expressions),
			Score:       f.Score,
		}
	}
	return result, nil
}
