// Package config is the shape of config.json5.
package config

import (
	"errors"
	"fmt"
	"lrs-analytics/internal/attribution"
	"lrs-analytics/internal/components/chrono"
	"lrs-analytics/internal/components/telemetry"
	"lrs-analytics/internal/correlate"
	"lrs-analytics/internal/insights"
	"lrs-analytics/internal/lrs"
	"lrs-analytics/internal/notify"
	"lrs-analytics/lib/configutil"
	configlibsql "lrs-analytics/lib/configutil/libsql"

	"github.com/robfig/cron/v3"
)

const DefaultFile = "config.json5"

type Output struct {
	Csv string `json:"csv"`
}

type Correlation struct {
	Start correlate.Rule `json:"start"`
	End   correlate.Rule `json:"end"`
}

type Grades struct {
	Diagnostic string `json:"diagnostic"`
	Final      string `json:"final"`
	// Extremes is how many easiest and hardest questions are listed.
	Extremes int `json:"extremes"`
}

type Notify struct {
	Smtp notify.SmtpConfig `json:"smtp"`
}

type Config struct {
	Lrs         lrs.Config           `json:"lrs"`
	Attribution attribution.Options  `json:"attribution"`
	Output      Output               `json:"output"`
	Database    configlibsql.Struct  `json:"database"`
	Correlation Correlation          `json:"correlation"`
	Grades      Grades               `json:"grades"`
	Insights    insights.Options     `json:"insights"`
	Schedule    string               `json:"schedule"`
	Timezone    string               `json:"timezone"`
	Telemetry   telemetry.OtelConfig `json:"telemetry"`
	Notify      Notify               `json:"notify"`
}

// WithDefaults fills every optional field that was left unset.
func (c Config) WithDefaults() Config {
	c.Lrs = c.Lrs.WithDefaults()
	c.Attribution = c.Attribution.WithDefaults()
	c.Insights = c.Insights.WithDefaults()
	if c.Attribution.ContentMap == "" {
		c.Attribution.ContentMap = "cmid_module_map.csv"
	}
	if c.Output.Csv == "" {
		c.Output.Csv = "statements_clean.csv"
	}
	if c.Database.File == "" && c.Database.Url == "" {
		c.Database.File = "lrs.db"
	}
	if len(c.Correlation.Start.Verbs) == 0 && c.Correlation.Start.Module == "" {
		c.Correlation.Start = correlate.DefaultStart
	}
	if len(c.Correlation.End.Verbs) == 0 && c.Correlation.End.Module == "" {
		c.Correlation.End = correlate.DefaultEnd
	}
	if c.Grades.Extremes <= 0 {
		c.Grades.Extremes = 3
	}
	if c.Schedule == "" {
		c.Schedule = "@hourly"
	}
	return c
}

// Validate checks the fields every command relies on, after defaults are applied.
func (c Config) Validate() error {
	var errs []error
	if c.Lrs.Endpoint == "" {
		errs = append(errs, fmt.Errorf("lrs.endpoint is required"))
	}
	if c.Lrs.OrgId == "" {
		errs = append(errs, fmt.Errorf("lrs.org_id is required"))
	}
	if c.Lrs.Credentials.Username == "" {
		errs = append(errs, fmt.Errorf("lrs.credentials.username is required"))
	}
	_, err := chrono.NewStandardImpl(c.Timezone)
	if err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
	}
	_, err = cron.ParseStandard(c.Schedule)
	if err != nil {
		errs = append(errs, fmt.Errorf("schedule: %w", err))
	}
	return errors.Join(errs...)
}

// Read loads path (plus its .local override) and applies defaults. An empty path
// looks for config.json5 in the working directory and then in its parents.
func Read(path string) (Config, error) {
	var config Config
	var err error
	if path == "" {
		path = DefaultFile
		config, err = configutil.ReadRecursively[Config](path)
	} else {
		config, err = configutil.ReadConfig[Config](path)
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return config.WithDefaults(), nil
}
