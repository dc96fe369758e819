package config

import (
	"fmt"
	"strings"
	"time"
)

// Index selects where audit entries are indexed besides the JSONL trail. It is
// environment-only since it differs per deployment rather than per world set.
type Index struct {
	Backend string        `env:"VG_INDEX_BACKEND" envDefault:"sqlite"`
	D1URL   string        `env:"VG_INDEX_D1_INGEST_URL"`
	D1Token string        `env:"VG_INDEX_D1_TOKEN"`
	D1Flush time.Duration `env:"VG_INDEX_D1_FLUSH" envDefault:"500ms"`
	D1Batch int           `env:"VG_INDEX_D1_BATCH_SIZE" envDefault:"128"`
	Node    string        `env:"VG_NODE_ID" envDefault:"guard-1"`
}

func LoadIndex() (Index, error) {
	var ix Index
	if err := ParseEnv(&ix); err != nil {
		return ix, err
	}
	ix.Backend = strings.ToLower(strings.TrimSpace(ix.Backend))
	switch ix.Backend {
	case "", "sqlite":
		ix.Backend = "sqlite"
	case "none", "off", "disabled":
		ix.Backend = "none"
	case "d1", "both":
		if strings.TrimSpace(ix.D1URL) == "" {
			return ix, fmt.Errorf("VG_INDEX_BACKEND=%s but VG_INDEX_D1_INGEST_URL is empty", ix.Backend)
		}
	default:
		return ix, fmt.Errorf("unsupported VG_INDEX_BACKEND: %s", ix.Backend)
	}
	return ix, nil
}

func (ix Index) SQLite() bool { return ix.Backend == "sqlite" || ix.Backend == "both" }
func (ix Index) D1() bool     { return ix.Backend == "d1" || ix.Backend == "both" }

// Archive configures uploads of sealed audit files to an S3-compatible bucket
// (R2 in production). Empty Endpoint disables it.
type Archive struct {
	Endpoint  string        `env:"VG_ARCHIVE_ENDPOINT"`
	Bucket    string        `env:"VG_ARCHIVE_BUCKET"`
	AccessKey string        `env:"VG_ARCHIVE_ACCESS_KEY_ID"`
	SecretKey string        `env:"VG_ARCHIVE_SECRET_ACCESS_KEY"`
	Prefix    string        `env:"VG_ARCHIVE_PREFIX"`
	Every     time.Duration `env:"VG_ARCHIVE_EVERY" envDefault:"5m"`
}

func LoadArchive(node string) (Archive, error) {
	var a Archive
	if err := ParseEnv(&a); err != nil {
		return a, err
	}
	a.Endpoint = strings.TrimSpace(a.Endpoint)
	if a.Endpoint == "" {
		return a, nil
	}
	if strings.TrimSpace(a.Bucket) == "" || strings.TrimSpace(a.AccessKey) == "" || strings.TrimSpace(a.SecretKey) == "" {
		return a, fmt.Errorf("VG_ARCHIVE_ENDPOINT is set but bucket or credentials are missing")
	}
	if strings.TrimSpace(a.Prefix) == "" {
		a.Prefix = "audit/" + node
	}
	if a.Every <= 0 {
		a.Every = 5 * time.Minute
	}
	return a, nil
}

func (a Archive) Enabled() bool { return a.Endpoint != "" }
