package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/sweeney/hydro-sentinel/internal/features"
)

// CommandScorer scores out of process. Each call runs Path with Args, writes a
// JSON request on stdin and reads a JSON Score from stdout:
//
//	-> {"features":[...8 floats...],"feature_names":[...]}
//	<- {"score":0.71,"is_anomaly":true,"confidence":0.42,"threshold":0.6}
//
// The process is killed when ctx is done.
type CommandScorer struct {
	Path string
	Args []string
}

type commandRequest struct {
	Features     []float64 `json:"features"`
	FeatureNames []string  `json:"feature_names"`
}

// Score implements Scorer.
func (c *CommandScorer) Score(ctx context.Context, v features.Vector) (Score, error) {
	if c.Path == "" {
		return Score{}, errors.New("command scorer: no executable configured")
	}
	req, err := json.Marshal(commandRequest{Features: v.Slice(), FeatureNames: featureNames()})
	if err != nil {
		return Score{}, fmt.Errorf("command scorer: encode request: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Stdin = bytes.NewReader(req)
	cmd.WaitDelay = time.Second
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return Score{}, fmt.Errorf("command scorer: %w", ctx.Err())
		}
		return Score{}, fmt.Errorf("command scorer: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}

	var s Score
	if err := json.Unmarshal(out, &s); err != nil {
		return Score{}, fmt.Errorf("command scorer: decode response: %w", err)
	}
	if math.IsNaN(s.Score) || s.Score < 0 || s.Score > 1 {
		return Score{}, fmt.Errorf("command scorer: score %v outside [0,1]", s.Score)
	}
	if s.Method == "" {
		s.Method = "command:" + filepath.Base(c.Path)
	}
	return s, nil
}
