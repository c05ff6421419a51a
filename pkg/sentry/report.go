// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sentry

import (
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

type IssueType string

const (
	IssueTypeWarning IssueType = "warning"
	IssueTypeError   IssueType = "error"
	IssueTypeFatal   IssueType = "fatal"
)

// DebounceWindow is the minimum distance between two warnings (or two
// errors) sent to sentry while debouncing is on.
const DebounceWindow = 2 * time.Hour

var (
	lastSentMu sync.Mutex
	lastSent   = map[sentry.Level]time.Time{}
)

// ResetDebounce forgets when issues were last sent.
func ResetDebounce() {
	lastSentMu.Lock()
	defer lastSentMu.Unlock()
	lastSent = map[sentry.Level]time.Time{}
}

// admit reports whether an issue of level may be sent now and, if so,
// records it.
func admit(level sentry.Level) bool {
	if !shouldDebounce.Load() {
		return true
	}

	lastSentMu.Lock()
	defer lastSentMu.Unlock()

	if t, ok := lastSent[level]; ok && time.Since(t) < DebounceWindow {
		return false
	}
	lastSent[level] = time.Now()
	return true
}

func levelFor(issueType IssueType) sentry.Level {
	switch issueType {
	case IssueTypeFatal:
		return sentry.LevelFatal
	case IssueTypeError:
		return sentry.LevelError
	default:
		return sentry.LevelWarning
	}
}

// ReportIssue logs err and sends it to sentry. Fatal issues are never
// debounced and end in log.Panic after flushing.
func ReportIssue(err error, issueType IssueType, log *zap.SugaredLogger) {
	ReportIssueWithContext(err, issueType, log, nil)
}

func ReportIssuef(issueType IssueType, log *zap.SugaredLogger, template string, args ...interface{}) {
	ReportIssue(fmt.Errorf(template, args...), issueType, log)
}

// ReportIssueWithContext reports an issue with additional context data that will be included in Sentry.
func ReportIssueWithContext(err error, issueType IssueType, log *zap.SugaredLogger, context map[string]interface{}) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	level := levelFor(issueType)

	if level == sentry.LevelFatal {
		log.Errorf("adminsync has encountered a fatal error and will now terminate: %s", err)
		log.Errorf("Stack trace: %s", string(debug.Stack()))
		sendSentryEvent(createSentryEventWithContext(level, err, context))
		sentry.Flush(5 * time.Second)
		log.Panic("Fatal error")
		return
	}

	if !admit(level) {
		return
	}

	if level == sentry.LevelError {
		log.Error(err)
	} else {
		log.Warn(err)
	}
	sendSentryEvent(createSentryEventWithContext(level, err, context))
}

// ReportIssuefWithContext formats an error message and reports it with additional context data.
func ReportIssuefWithContext(issueType IssueType, log *zap.SugaredLogger, context map[string]interface{}, template string, args ...interface{}) {
	ReportIssueWithContext(fmt.Errorf(template, args...), issueType, log, context)
}

// ReportConnectionError reports a failed connection operation on resource id.
func ReportConnectionError(log *zap.SugaredLogger, operation string, id string, err error) {
	ReportIssueWithContext(err, IssueTypeError, log, map[string]interface{}{
		"component": "connection",
		"operation": operation,
		"resource":  id,
	})
}

// ReportCallbackPanic reports a recovered listener panic as a warning.
func ReportCallbackPanic(log *zap.SugaredLogger, registry string, id string, recovered interface{}) {
	ReportIssueWithContext(fmt.Errorf("listener panicked while handling %s: %v", id, recovered), IssueTypeWarning, log, map[string]interface{}{
		"component": "registry",
		"registry":  registry,
		"resource":  id,
	})
}
