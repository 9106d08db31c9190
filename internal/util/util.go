package util

import (
	"embed"
	_ "embed"
	"encoding/base32"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/replicate/go/httpclient"
	"github.com/replicate/go/must"
	"github.com/replicate/go/uuid"
	"gopkg.in/yaml.v3"
)

type Build struct {
	GPU bool `yaml:"gpu"`
}

type Concurrency struct {
	Max int `yaml:"max"`
}

type ModelYaml struct {
	Build       Build       `yaml:"build"`
	Concurrency Concurrency `yaml:"concurrency"`
	Predictor   string      `yaml:"predictor"`
}

func ReadModelYaml(dir string) (*ModelYaml, error) {
	var modelYaml ModelYaml
	bs, err := os.ReadFile(filepath.Join(dir, "model.yaml"))
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(bs, &modelYaml); err != nil {
		return nil, err
	}
	return &modelYaml, nil
}

func (y *ModelYaml) PredictorName() (string, error) {
	name := strings.TrimSpace(y.Predictor)
	if name == "" {
		return "", fmt.Errorf("model.yaml missing predictor name")
	}
	return name, nil
}

// api.git: internal/logic/id.go
func PredictionId() string {
	u := must.Get(uuid.NewV7())
	shuffle := make([]byte, uuid.Size)
	for i := 0; i < 4; i++ {
		shuffle[i], shuffle[i+4], shuffle[i+8], shuffle[i+12] = u[i+12], u[i+4], u[i], u[i+8]
	}
	encoding := base32.NewEncoding("0123456789abcdefghjkmnpqrstvwxyz").WithPadding(base32.NoPadding)
	return encoding.EncodeToString(shuffle)
}

const TimeLayout = "2006-01-02T15:04:05.999999-07:00"

func NowIso() string {
	return time.Now().UTC().Format(TimeLayout)
}

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func ParseTime(t string) (time.Time, error) {
	return time.Parse(TimeLayout, t)
}

func JoinLogs(logs []string) string {
	r := strings.Join(logs, "\n")
	if r != "" {
		r += "\n"
	}
	return r
}

// Wildcard match in case version.txt is not generated yet
//
//go:embed *
var embedFS embed.FS

func Version() string {
	bs, err := embedFS.ReadFile("version.txt")
	if err != nil {
		return "0.0.0+unknown"
	}
	return strings.TrimSpace(string(bs))
}

func HTTPClientWithRetry() *http.Client {
	return httpclient.ApplyRetryPolicy(http.DefaultClient)
}
