// Package deepface is an extraction backend for a DeepFace-compatible HTTP
// API exposing POST /represent.
package deepface

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/example/face-verify/internal/extractor"
	"github.com/example/face-verify/internal/faceerr"
	"github.com/example/face-verify/internal/logging"
	"github.com/example/face-verify/internal/matcher"
)

const (
	defaultURL = "http://localhost:5005"
	maxBody    = 8 << 20
)

// Client calls the represent endpoint.
type Client struct {
	baseURL  string
	model    string
	detector string
	http     *http.Client
	logger   *zap.Logger
}

// NewClient builds a client. httpClient may be nil.
func NewClient(baseURL, model, detector string, httpClient *http.Client, logger *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultURL
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		model:    model,
		detector: detector,
		http:     httpClient,
		logger:   logger.Named("deepface"),
	}
}

type representRequest struct {
	Img              string `json:"img"`
	ModelName        string `json:"model_name"`
	DetectorBackend  string `json:"detector_backend"`
	EnforceDetection bool   `json:"enforce_detection"`
	Align            bool   `json:"align"`
}

type facialArea struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

type representResult struct {
	Embedding      []float64  `json:"embedding"`
	FacialArea     facialArea `json:"facial_area"`
	FaceConfidence float64    `json:"face_confidence"`
}

type representResponse struct {
	Results []representResult `json:"results"`
	Error   string            `json:"error"`
}

// Name returns the model name requested from the API.
func (c *Client) Name() string {
	return c.model
}

// Detect posts image to /represent and returns every detected face.
func (c *Client) Detect(ctx context.Context, image []byte) ([]extractor.Detection, error) {
	reqBody, err := json.Marshal(representRequest{
		Img:              "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(image),
		ModelName:        c.model,
		DetectorBackend:  c.detector,
		EnforceDetection: true,
		Align:            true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/represent", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, logging.NewOperationError("deepface.represent", "", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var parsed representResponse
	decodeErr := json.Unmarshal(body, &parsed)

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp.StatusCode, parsed.Error, body)
	}
	if decodeErr != nil {
		return nil, faceerr.Wrap(faceerr.KindExtractionFailure, "invalid represent response", decodeErr)
	}
	if parsed.Results == nil {
		return nil, faceerr.New(faceerr.KindExtractionFailure, "represent response has no results field")
	}

	out := make([]extractor.Detection, 0, len(parsed.Results))
	for i, r := range parsed.Results {
		emb, err := matcher.Normalize(r.Embedding)
		if err != nil {
			return nil, faceerr.Wrap(faceerr.KindExtractionFailure, fmt.Sprintf("face %d has an unusable embedding", i), err)
		}
		out = append(out, extractor.Detection{
			Embedding: emb,
			Area: extractor.FaceArea{
				X: int(r.FacialArea.X),
				Y: int(r.FacialArea.Y),
				W: int(r.FacialArea.W),
				H: int(r.FacialArea.H),
			},
			Confidence: r.FaceConfidence,
		})
	}
	return out, nil
}

func (c *Client) statusError(code int, message string, body []byte) error {
	if message == "" {
		message = strings.TrimSpace(string(body))
	}
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "face could not be detected") || strings.Contains(lower, "no face"):
		return faceerr.New(faceerr.KindNoFaceDetected, "no face found in the image")
	case code == http.StatusGatewayTimeout:
		return faceerr.New(faceerr.KindExtractionTimeout, "extractor timed out")
	case code >= 400 && code < 500:
		return faceerr.New(faceerr.KindInvalidImage, message)
	default:
		c.logger.Error("represent call failed", zap.Int("status", code), zap.String("message", message))
		return faceerr.New(faceerr.KindExtractionFailure, fmt.Sprintf("extractor returned status %d", code))
	}
}
