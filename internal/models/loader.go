// Package models loads the named neural network files used by the face detector.
package models

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

// Model names used by the default detector.
const (
	FaceDetector   = "face_detector"
	FaceLandmark   = "face_landmark"
	FaceExpression = "face_expression"
)

// ErrModelMissing is returned when a named model is not present in a Set.
var ErrModelMissing = errors.New("model missing")

// Kind tells the loader how to materialize a model file.
type Kind int

const (
	// KindFile models are only checked for presence; their consumer opens them.
	KindFile Kind = iota
	// KindNet models are read into a gocv dnn Net.
	KindNet
)

// Spec names one model file in the model directory.
type Spec struct {
	Name string
	File string
	Kind Kind
}

// DefaultSpecs returns the models needed by the YuNet detector.
func DefaultSpecs() []Spec {
	return []Spec{
		{Name: FaceDetector, File: "face_detection_yunet_2023mar.onnx", Kind: KindFile},
		{Name: FaceLandmark, File: "face_landmark_68.onnx", Kind: KindNet},
		{Name: FaceExpression, File: "emotion_ferplus.onnx", Kind: KindNet},
	}
}

// Set holds the loaded models by name.
type Set struct {
	mu    sync.Mutex
	paths map[string]string
	nets  map[string]*gocv.Net
}

// Load loads every spec from dir. If any model fails, all models loaded so far
// are released and a single error naming each failure is returned.
func Load(dir string, specs []Spec, log logrus.FieldLogger) (*Set, error) {
	set := &Set{
		paths: make(map[string]string),
		nets:  make(map[string]*gocv.Net),
	}

	var errs []error
	for _, spec := range specs {
		path := filepath.Join(dir, spec.File)
		if err := set.load(spec, path); err != nil {
			errs = append(errs, fmt.Errorf("load %s: %w", spec.Name, err))
			continue
		}
		log.WithFields(logrus.Fields{"model": spec.Name, "path": path}).Info("model loaded")
	}

	if err := errors.Join(errs...); err != nil {
		set.Close()
		return nil, fmt.Errorf("failed to load models: %w", err)
	}
	return set, nil
}

func (s *Set) load(spec Spec, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() || info.Size() == 0 {
		return fmt.Errorf("%s is not a model file", path)
	}

	if spec.Kind == KindNet {
		net := gocv.ReadNet(path, "")
		if net.Empty() {
			net.Close()
			return fmt.Errorf("read net %s", path)
		}
		s.nets[spec.Name] = &net
	}
	s.paths[spec.Name] = path
	return nil
}

// Path returns the file path of a loaded model.
func (s *Set) Path(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.paths[name]
	if !ok {
		return "", fmt.Errorf("%s: %w", name, ErrModelMissing)
	}
	return p, nil
}

// Net returns the dnn Net of a KindNet model.
func (s *Set) Net(name string) (*gocv.Net, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nets[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrModelMissing)
	}
	return n, nil
}

// Names returns the names of all loaded models.
func (s *Set) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.paths))
	for n := range s.paths {
		names = append(names, n)
	}
	return names
}

// Close releases every loaded net.
func (s *Set) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for name, n := range s.nets {
		if err := n.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
		delete(s.nets, name)
	}
	return errors.Join(errs...)
}
