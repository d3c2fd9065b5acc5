// Package gologger hands the cache's go-logger configuration to go-job so
// proactive refresh workers log through the same provider.
package gologger

import (
	"strings"

	job "github.com/goliatone/go-job"
	glog "github.com/goliatone/go-logger/glog"

	"github.com/goliatone/go-auth-cache/core"
)

const JobsComponent = "authcache.jobs"

// Component returns the named logger for an authcache component, using
// provider > logger > nop precedence.
func Component(name string, provider glog.LoggerProvider, logger glog.Logger) glog.Logger {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "authcache"
	} else if !strings.HasPrefix(name, "authcache") {
		name = "authcache." + name
	}
	return core.ResolveLogger(name, provider, logger)
}

func ToJobProvider(provider glog.LoggerProvider) job.LoggerProvider {
	if provider == nil {
		return nil
	}
	return job.GoLoggerProvider(provider)
}

func ToJobLogger(logger glog.Logger) job.Logger {
	if logger == nil {
		return nil
	}
	return job.GoLogger(logger)
}

// ForJobs resolves the refresh worker's logger and provider in go-job form.
// A lone logger is promoted to a provider so go-job can name its own loggers.
func ForJobs(provider glog.LoggerProvider, logger glog.Logger) (job.LoggerProvider, job.Logger) {
	resolvedProvider, _ := glog.Resolve(JobsComponent, provider, logger)
	if resolvedProvider == nil {
		resolvedProvider = glog.ProviderFromLogger(glog.Nop())
	}
	return ToJobProvider(resolvedProvider), ToJobLogger(Component(JobsComponent, provider, logger))
}
