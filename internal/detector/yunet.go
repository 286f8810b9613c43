package detector

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"sync"

	"gocv.io/x/gocv"

	"github.com/ayusman/moodlens/internal/models"
)

// YuNet output rows hold 15 columns: x, y, w, h, five landmark (x, y) pairs, score.
const (
	yunetCols        = 15
	yunetScoreCol    = 14
	yunetLandmarkCol = 4

	landmarkInputSize   = 112
	expressionInputSize = 64
)

// ferplusLabels is the output order of the FER+ expression classifier.
// Contempt has no overlay label and is folded into disgusted.
var ferplusLabels = []string{Neutral, Happy, Surprised, Sad, Angry, Disgusted, Fearful, Disgusted}

// YuNetDetector implements Detector with OpenCV's FaceDetectorYN plus optional
// dnn nets for 68-point landmarks and expression scores.
type YuNetDetector struct {
	config     Config
	faces      gocv.FaceDetectorYN
	landmarks  *gocv.Net
	expression *gocv.Net
	mu         sync.Mutex
	closed     bool
}

// NewYuNetDetector creates a detector from a loaded model set. The face
// detector model is required; the landmark and expression nets are used when
// present.
func NewYuNetDetector(set *models.Set, config Config) (*YuNetDetector, error) {
	path, err := set.Path(models.FaceDetector)
	if err != nil {
		return nil, err
	}

	d := &YuNetDetector{
		config: config,
		faces: gocv.NewFaceDetectorYNWithParams(
			path,
			"",
			image.Pt(320, 320),
			float32(config.MinConfidence),
			float32(config.NMSThreshold),
			5000,
			int(gocv.NetBackendDefault),
			int(gocv.NetTargetCPU),
		),
	}

	if n, err := set.Net(models.FaceLandmark); err == nil {
		d.landmarks = n
	} else if !errors.Is(err, models.ErrModelMissing) {
		return nil, err
	}
	if n, err := set.Net(models.FaceExpression); err == nil {
		d.expression = n
	} else if !errors.Is(err, models.ErrModelMissing) {
		return nil, err
	}

	return d, nil
}

// Detect finds faces in the frame. Coordinates are frame pixels.
func (d *YuNetDetector) Detect(ctx context.Context, frame *gocv.Mat) ([]Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if frame == nil || frame.Empty() {
		return nil, errors.New("empty frame")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, errors.New("detector closed")
	}

	d.faces.SetInputSize(image.Pt(frame.Cols(), frame.Rows()))

	out := gocv.NewMat()
	defer out.Close()
	d.faces.Detect(*frame, &out)

	if out.Rows() > 0 && out.Cols() < yunetCols {
		return nil, fmt.Errorf("unexpected face output shape %dx%d", out.Rows(), out.Cols())
	}

	bounds := image.Rect(0, 0, frame.Cols(), frame.Rows())
	var result []Detection
	for r := 0; r < out.Rows() && (d.config.MaxFaces <= 0 || len(result) < d.config.MaxFaces); r++ {
		det := Detection{
			Box: &BoundingBox{
				X:      float64(out.GetFloatAt(r, 0)),
				Y:      float64(out.GetFloatAt(r, 1)),
				Width:  float64(out.GetFloatAt(r, 2)),
				Height: float64(out.GetFloatAt(r, 3)),
			},
			Score: float64(out.GetFloatAt(r, yunetScoreCol)),
		}
		for i := 0; i < 5; i++ {
			det.Landmarks = append(det.Landmarks, Point{
				X: float64(out.GetFloatAt(r, yunetLandmarkCol+2*i)),
				Y: float64(out.GetFloatAt(r, yunetLandmarkCol+2*i+1)),
			})
		}

		roi := boxRect(*det.Box).Intersect(bounds)
		if !roi.Empty() {
			if err := d.refine(frame, roi, &det); err != nil {
				return nil, err
			}
		}
		result = append(result, det)
	}

	return result, nil
}

// refine replaces the five YuNet landmarks with 68 points and fills expressions.
func (d *YuNetDetector) refine(frame *gocv.Mat, roi image.Rectangle, det *Detection) error {
	face := frame.Region(roi)
	defer face.Close()

	if d.landmarks != nil {
		pts, err := d.runLandmarks(face, roi)
		if err != nil {
			return fmt.Errorf("landmarks: %w", err)
		}
		det.Landmarks = pts
	}

	if d.expression != nil {
		exp, err := d.runExpression(face)
		if err != nil {
			return fmt.Errorf("expression: %w", err)
		}
		det.Expressions = exp
	}
	return nil
}

func (d *YuNetDetector) runLandmarks(face gocv.Mat, roi image.Rectangle) ([]Point, error) {
	blob := gocv.BlobFromImage(face, 1.0/255.0, image.Pt(landmarkInputSize, landmarkInputSize),
		gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.landmarks.SetInput(blob, "")
	out := d.landmarks.Forward("")
	defer out.Close()

	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, err
	}
	if len(data) < 136 {
		return nil, fmt.Errorf("expected 136 values, got %d", len(data))
	}

	pts := make([]Point, 68)
	w, h := float64(roi.Dx()), float64(roi.Dy())
	for i := range pts {
		pts[i] = Point{
			X: float64(roi.Min.X) + float64(data[2*i])*w,
			Y: float64(roi.Min.Y) + float64(data[2*i+1])*h,
		}
	}
	return pts, nil
}

func (d *YuNetDetector) runExpression(face gocv.Mat) (Expressions, error) {
	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(face, &gray, gocv.ColorBGRToGray)

	blob := gocv.BlobFromImage(gray, 1.0, image.Pt(expressionInputSize, expressionInputSize),
		gocv.NewScalar(0, 0, 0, 0), false, false)
	defer blob.Close()

	d.expression.SetInput(blob, "")
	out := d.expression.Forward("")
	defer out.Close()

	logits, err := out.DataPtrFloat32()
	if err != nil {
		return nil, err
	}
	if len(logits) < len(ferplusLabels) {
		return nil, fmt.Errorf("expected %d scores, got %d", len(ferplusLabels), len(logits))
	}
	return softmaxExpressions(logits[:len(ferplusLabels)]), nil
}

// softmaxExpressions converts classifier logits into per-label probabilities.
func softmaxExpressions(logits []float32) Expressions {
	maxLogit := math.Inf(-1)
	for _, v := range logits {
		maxLogit = math.Max(maxLogit, float64(v))
	}

	var sum float64
	probs := make([]float64, len(logits))
	for i, v := range logits {
		probs[i] = math.Exp(float64(v) - maxLogit)
		sum += probs[i]
	}

	out := make(Expressions, len(ExpressionLabels))
	for i, p := range probs {
		out[ferplusLabels[i]] += p / sum
	}
	return out
}

func boxRect(b BoundingBox) image.Rectangle {
	return image.Rect(
		int(math.Floor(b.X)),
		int(math.Floor(b.Y)),
		int(math.Ceil(b.X+b.Width)),
		int(math.Ceil(b.Y+b.Height)),
	)
}

// Close releases the face detector. Nets belong to the model set.
func (d *YuNetDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	d.faces.Close()
	return nil
}
