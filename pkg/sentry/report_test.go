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


package sentry_test

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/united-manufacturing-hub/adminsync/pkg/constants"
	"github.com/united-manufacturing-hub/adminsync/pkg/sentry"
)

var _ = Describe("Sentry reporting", func() {
	var (
		logs *observer.ObservedLogs
		log  *zap.SugaredLogger
	)

	BeforeEach(func() {
		var core zapcore.Core
		core, logs = observer.New(zapcore.DebugLevel)
		log = zap.New(core).Sugar()
		sentry.ResetDebounce()
	})

	AfterEach(func() {
		sentry.DisableTestMode()
		sentry.ResetDebounce()
	})

	Describe("Environment", func() {
		It("maps release versions to production", func() {
			Expect(sentry.Environment("1.4.2")).To(Equal(constants.DefaultProductionEnvironment))
		})

		It("maps prereleases to development", func() {
			Expect(sentry.Environment("1.5.0-rc.1")).To(Equal(constants.DefaultDevelopmentEnvironment))
		})

		It("maps unparsable versions to development", func() {
			Expect(sentry.Environment("not-a-version")).To(Equal(constants.DefaultDevelopmentEnvironment))
		})
	})

	It("logs warnings at warn level", func() {
		sentry.ReportIssue(errors.New("listener broke"), sentry.IssueTypeWarning, log)

		Expect(logs.FilterLevelExact(zapcore.WarnLevel).Len()).To(Equal(1))
	})

	It("debounces repeated warnings", func() {
		sentry.ReportIssue(errors.New("first"), sentry.IssueTypeWarning, log)
		sentry.ReportIssue(errors.New("second"), sentry.IssueTypeWarning, log)

		Expect(logs.Len()).To(Equal(1))
		Expect(logs.All()[0].Message).To(Equal("first"))
	})

	It("debounces warnings and errors independently", func() {
		sentry.ReportIssue(errors.New("warn"), sentry.IssueTypeWarning, log)
		sentry.ReportConnectionError(log, "getObject", "system.config", errors.New("boom"))

		Expect(logs.FilterLevelExact(zapcore.WarnLevel).Len()).To(Equal(1))
		Expect(logs.FilterLevelExact(zapcore.ErrorLevel).Len()).To(Equal(1))
	})

	It("reports everything in test mode", func() {
		sentry.EnableTestMode()

		sentry.ReportCallbackPanic(log, "state", "a.b", "kaputt")
		sentry.ReportCallbackPanic(log, "state", "a.b", "kaputt again")

		Expect(logs.Len()).To(Equal(2))
	})

	It("tolerates a nil logger", func() {
		Expect(func() {
			sentry.ReportIssuef(sentry.IssueTypeWarning, nil, "no logger %d", 1)
		}).NotTo(Panic())
	})
})
