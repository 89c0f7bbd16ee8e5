package tasks

import (
	"errors"
	"strings"

	"github.com/robfig/cron/v3"
)

var standardParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron validates a 5-field cron expression or an "@" descriptor such as @hourly or @every 5m.
func ParseCron(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("empty cron expression")
	}
	if strings.HasPrefix(expr, "@") {
		return cron.ParseStandard(expr)
	}
	return standardParser.Parse(expr)
}
