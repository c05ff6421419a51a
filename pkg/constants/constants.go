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

package constants

import "time"

const (
	// DefaultAppVersion is reported by builds without a version ldflag.
	DefaultAppVersion = "0.0.0-dev"

	DefaultDevelopmentEnvironment = "development"
	DefaultProductionEnvironment  = "production"
)

// Connection defaults
const (
	DefaultBootstrapTimeout  = 5 * time.Second
	DefaultBootstrapAttempts = 3
	DefaultInfoTimeout       = 10 * time.Second
	DefaultQueueWarnDepth    = 1000

	// BootstrapRetryMin is the first delay between bootstrap attempts.
	BootstrapRetryMin = 250 * time.Millisecond

	// SystemConfigID is read during every bootstrap.
	SystemConfigID = "system.config"

	// PermissionErrorSentinel is what the server replies instead of data
	// when the session lacks the right for a host command.
	PermissionErrorSentinel = "permissionError"
)

// Transport defaults
const (
	DefaultReconnectMin      = 1 * time.Second
	DefaultReconnectMax      = 30 * time.Second
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultAuthTimeout       = 5 * time.Second
	DefaultPingInterval      = 20 * time.Second
	DefaultPongWait          = 45 * time.Second
	DefaultWriteWait         = 10 * time.Second
	DefaultCompressThreshold = 1024
	DefaultSendBuffer        = 256

	// LatencyWindow is how long emit round trips are kept for statistics.
	LatencyWindow = 5 * time.Minute

	SessionCookieName = "access_token"
	LoginPath         = "/login"
	WebsocketPath     = "/ws"
)

// Watchdog defaults
const (
	DefaultWatchdogTick        = 5 * time.Second
	DefaultDispatcherTimeout   = 30
	DefaultDispatcherWarnLimit = 10
)

// DefaultMetricsPort is where the CLI serves /metrics.
const DefaultMetricsPort = 9102
