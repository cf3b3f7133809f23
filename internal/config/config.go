// Package config loads the trackcore process configuration: the per-class
// branching policy, storage and export backends and logging. Values come from
// an optional YAML file and are then overridden by TRACKCORE_* variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"trackcore/internal/core"
	"trackcore/internal/infra/blob"
	blobcore "trackcore/internal/infra/blob/core"
	"trackcore/internal/infra/blob/s3"
	"trackcore/internal/matcher"
	"trackcore/pkg/domain"
	"trackcore/pkg/logging"
)

// Environment variables applied on top of the file.
const (
	EnvPolicyFile      = "TRACKCORE_POLICY_FILE"
	EnvBlobDriver      = "TRACKCORE_BLOB_DRIVER"
	EnvBlobFSRoot      = "TRACKCORE_BLOB_FS_ROOT"
	EnvBlobS3Region    = "TRACKCORE_BLOB_S3_REGION"
	EnvBlobS3Bucket    = "TRACKCORE_BLOB_S3_BUCKET"
	EnvBlobS3Endpoint  = "TRACKCORE_BLOB_S3_ENDPOINT"
	EnvBlobS3AccessKey = "TRACKCORE_BLOB_S3_ACCESS_KEY_ID"
	EnvBlobS3SecretKey = "TRACKCORE_BLOB_S3_SECRET_ACCESS_KEY"
	EnvBlobS3Token     = "TRACKCORE_BLOB_S3_SESSION_TOKEN"
	EnvBlobS3PathStyle = "TRACKCORE_BLOB_S3_PATH_STYLE"
	EnvLogLevel        = "TRACKCORE_LOG_LEVEL"
	EnvLogFormat       = "TRACKCORE_LOG_FORMAT"
	EnvLogDir          = "TRACKCORE_LOG_DIR"
	EnvMergePolicy     = "TRACKCORE_MERGE_POLICY"
	EnvMatchCost       = "TRACKCORE_MATCH_COST"
	EnvMaxMatchCost    = "TRACKCORE_MAX_MATCH_COST"
)

const defaultExportsFSRoot = "./exports"

// Config is the full process configuration.
type Config struct {
	Log     LogConfig                  `yaml:"log"`
	Storage core.StorageConfig         `yaml:"storage"`
	Blob    BlobConfig                 `yaml:"blob"`
	Edit    EditConfig                 `yaml:"edit"`
	Classes map[int]domain.ClassPolicy `yaml:"classes"`
}

// LogConfig selects the process logger.
type LogConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `yaml:"format" validate:"omitempty,oneof=text json"`
	Dir    string `yaml:"dir"`
}

// BlobConfig selects the store receiving track exports.
type BlobConfig struct {
	Driver string   `yaml:"driver" validate:"omitempty,oneof=fs s3 memory"`
	FSRoot string   `yaml:"fs_root"`
	S3     S3Config `yaml:"s3"`
}

// S3Config mirrors s3.Config with YAML names.
type S3Config struct {
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	Endpoint        string `yaml:"endpoint" validate:"omitempty,url"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	PathStyle       bool   `yaml:"path_style"`
}

// EditConfig holds the editing defaults.
type EditConfig struct {
	MergePolicy  string  `yaml:"merge_policy" validate:"omitempty,mergepolicy"`
	MatchCost    string  `yaml:"match_cost" validate:"omitempty,oneof=center overlap"`
	MaxMatchCost float64 `yaml:"max_match_cost" validate:"gte=0"`
}

// Default returns the configuration used when neither file nor environment
// say otherwise: one class of objects directly below the roots, no branching.
func Default() Config {
	return Config{
		Log:     LogConfig{Level: "info", Format: "text"},
		Storage: core.StorageConfig{Driver: core.StorageSQLite},
		Blob:    BlobConfig{Driver: string(blobcore.DriverFilesystem), FSRoot: defaultExportsFSRoot},
		Edit:    EditConfig{MergePolicy: domain.MergeAlways.String(), MatchCost: "center"},
		Classes: map[int]domain.ClassPolicy{0: {Name: "object", ParentClass: domain.RootClass}},
	}
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("mergepolicy", func(fl validator.FieldLevel) bool {
		_, ok := domain.ParseMergePolicy(fl.Field().String())
		return ok
	})
	validate.RegisterStructValidation(blobStructLevel, BlobConfig{})
	validate.RegisterStructValidation(configStructLevel, Config{})
}

func blobStructLevel(sl validator.StructLevel) {
	b := sl.Current().Interface().(BlobConfig)
	if b.Driver == string(blobcore.DriverS3) && strings.TrimSpace(b.S3.Bucket) == "" {
		sl.ReportError(b.S3.Bucket, "S3.Bucket", "Bucket", "required_with_s3", "")
	}
}

func configStructLevel(sl validator.StructLevel) {
	c := sl.Current().Interface().(Config)
	if c.Storage.Driver == core.StoragePostgres && strings.TrimSpace(c.Storage.PostgresDSN) == "" {
		sl.ReportError(c.Storage.PostgresDSN, "Storage.PostgresDSN", "PostgresDSN", "required_with_postgres", "")
	}
	for class, p := range c.Classes {
		field := fmt.Sprintf("Classes[%d]", class)
		if class < 0 {
			sl.ReportError(class, field, "Classes", "gte", "0")
			continue
		}
		if p.ParentClass == class {
			sl.ReportError(p.ParentClass, field+".ParentClass", "ParentClass", "ne_self", "")
			continue
		}
		if p.ParentClass != domain.RootClass {
			if _, ok := c.Classes[p.ParentClass]; !ok {
				sl.ReportError(p.ParentClass, field+".ParentClass", "ParentClass", "known_class", "")
				continue
			}
		}
		if containmentCycle(c.Classes, class) {
			sl.ReportError(p.ParentClass, field+".ParentClass", "ParentClass", "acyclic", "")
		}
	}
}

func containmentCycle(classes map[int]domain.ClassPolicy, start int) bool {
	seen := map[int]bool{start: true}
	cur := start
	for {
		p, ok := classes[cur]
		if !ok || p.ParentClass == domain.RootClass {
			return false
		}
		if seen[p.ParentClass] {
			return true
		}
		seen[p.ParentClass] = true
		cur = p.ParentClass
	}
}

// Load reads path (when non-empty) over Default, applies the environment and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := Decode(bytes.NewReader(data), &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFromEnv loads the file named by TRACKCORE_POLICY_FILE, if any.
func LoadFromEnv() (Config, error) {
	return Load(os.Getenv(EnvPolicyFile))
}

// Decode merges a YAML document into cfg. Unknown keys are rejected. A
// document listing classes replaces the default class table.
func Decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	defaults := cfg.Classes
	cfg.Classes = nil
	err := dec.Decode(cfg)
	if cfg.Classes == nil {
		cfg.Classes = defaults
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides fields from the environment through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	var driver string
	str(core.EnvStorageDriver, &driver)
	if driver != "" {
		c.Storage.Driver = core.StorageDriver(strings.ToLower(driver))
	}
	str(core.EnvSQLitePath, &c.Storage.SQLitePath)
	str(core.EnvPostgresDSN, &c.Storage.PostgresDSN)

	str(EnvBlobDriver, &c.Blob.Driver)
	c.Blob.Driver = strings.ToLower(c.Blob.Driver)
	str(EnvBlobFSRoot, &c.Blob.FSRoot)
	str(EnvBlobS3Region, &c.Blob.S3.Region)
	str(EnvBlobS3Bucket, &c.Blob.S3.Bucket)
	str(EnvBlobS3Endpoint, &c.Blob.S3.Endpoint)
	str(EnvBlobS3AccessKey, &c.Blob.S3.AccessKeyID)
	str(EnvBlobS3SecretKey, &c.Blob.S3.SecretAccessKey)
	str(EnvBlobS3Token, &c.Blob.S3.SessionToken)
	if v, ok := lookup(EnvBlobS3PathStyle); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvBlobS3PathStyle, err)
		}
		c.Blob.S3.PathStyle = b
	}

	str(EnvLogLevel, &c.Log.Level)
	c.Log.Level = strings.ToLower(c.Log.Level)
	str(EnvLogFormat, &c.Log.Format)
	c.Log.Format = strings.ToLower(c.Log.Format)
	str(EnvLogDir, &c.Log.Dir)

	str(EnvMergePolicy, &c.Edit.MergePolicy)
	str(EnvMatchCost, &c.Edit.MatchCost)
	if v, ok := lookup(EnvMaxMatchCost); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaxMatchCost, err)
		}
		c.Edit.MaxMatchCost = f
	}
	return nil
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Policy returns the per-class branching policy.
func (c Config) Policy() domain.PolicySet {
	return domain.NewPolicySet(c.Classes)
}

// MergePolicy returns the default merge policy of removals.
func (c Config) MergePolicy() domain.MergePolicy {
	mp, _ := domain.ParseMergePolicy(c.Edit.MergePolicy)
	return mp
}

// EditOptions returns the service options carrying the editing defaults.
func (c Config) EditOptions() []core.Option {
	cost := matcher.CostCenterDistance
	if c.Edit.MatchCost == "overlap" {
		cost = matcher.CostOverlap
	}
	return []core.Option{
		core.WithMergePolicy(c.MergePolicy()),
		core.WithMatchCost(cost, c.Edit.MaxMatchCost),
	}
}

// BlobStore returns the export store selection.
func (c Config) BlobStore() blob.Config {
	return blob.Config{
		Driver: blobcore.Driver(c.Blob.Driver),
		FSRoot: c.Blob.FSRoot,
		S3: s3.Config{
			Region:          c.Blob.S3.Region,
			Bucket:          c.Blob.S3.Bucket,
			Endpoint:        c.Blob.S3.Endpoint,
			AccessKeyID:     c.Blob.S3.AccessKeyID,
			SecretAccessKey: c.Blob.S3.SecretAccessKey,
			SessionToken:    c.Blob.S3.SessionToken,
			PathStyle:       c.Blob.S3.PathStyle,
		},
	}
}

// Logging returns the process logger configuration.
func (c Config) Logging() logging.Config {
	level, _ := logging.ParseLevel(c.Log.Level)
	return logging.Config{
		Level:   level,
		JSON:    c.Log.Format == "json",
		Service: "trackcore",
		LogDir:  c.Log.Dir,
	}
}
