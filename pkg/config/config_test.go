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


package config_test

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/adminsync/pkg/config"
	"github.com/united-manufacturing-hub/adminsync/pkg/connection"
	"github.com/united-manufacturing-hub/adminsync/pkg/constants"
)

const sample = `
connection:
  url: https://iobroker.local:8081
  role: admin
  name: tablet
  username: admin
  password: secret
  check_permissions: true
  load_all_objects: true
  auto_subscribes:
    - system.adapter.*
  bootstrap_timeout: 2s
  info_timeout: 750ms
  reconnect_max: 10s
logging:
  level: DEBUG
metrics:
  port: 9200
`

var _ = Describe("Config", func() {
	var (
		dir     string
		envKeys = []string{"ADMINSYNC_URL", "ADMINSYNC_ROLE", "ADMINSYNC_AUTO_SUBSCRIBES", "ADMINSYNC_INFO_TIMEOUT"}
	)

	write := func(content string) string {
		path := filepath.Join(dir, "adminsync.yaml")
		Expect(os.WriteFile(path, []byte(content), 0o600)).To(Succeed())
		return path
	}

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		for _, k := range envKeys {
			Expect(os.Unsetenv(k)).To(Succeed())
		}
	})

	AfterEach(func() {
		for _, k := range envKeys {
			Expect(os.Unsetenv(k)).To(Succeed())
		}
	})

	Describe("Load", func() {
		It("reads the file on top of the defaults", func() {
			cfg, err := config.Load(write(sample))
			Expect(err).NotTo(HaveOccurred())

			Expect(cfg.Connection.URL).To(Equal("https://iobroker.local:8081"))
			Expect(cfg.Connection.Role).To(Equal("admin"))
			Expect(cfg.Connection.AutoSubscribes).To(ConsistOf("system.adapter.*"))
			Expect(cfg.Connection.BootstrapTimeout).To(Equal(2 * time.Second))
			Expect(cfg.Connection.InfoTimeout).To(Equal(750 * time.Millisecond))
			Expect(cfg.Connection.ReconnectMax).To(Equal(10 * time.Second))
			Expect(cfg.Connection.BootstrapAttempts).To(Equal(constants.DefaultBootstrapAttempts))
			Expect(cfg.Logging.Level).To(Equal("DEBUG"))
			Expect(cfg.Metrics.Port).To(Equal(9200))
		})

		It("lets the environment win over the file", func() {
			Expect(os.Setenv("ADMINSYNC_URL", "http://other:8081")).To(Succeed())
			Expect(os.Setenv("ADMINSYNC_ROLE", "web")).To(Succeed())
			Expect(os.Setenv("ADMINSYNC_AUTO_SUBSCRIBES", "a.*, b.*")).To(Succeed())
			Expect(os.Setenv("ADMINSYNC_INFO_TIMEOUT", "3s")).To(Succeed())

			cfg, err := config.Load(write(sample))
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.Connection.URL).To(Equal("http://other:8081"))
			Expect(cfg.Connection.Role).To(Equal("web"))
			Expect(cfg.Connection.AutoSubscribes).To(Equal([]string{"a.*", "b.*"}))
			Expect(cfg.Connection.InfoTimeout).To(Equal(3 * time.Second))
		})

		It("works from the environment alone", func() {
			Expect(os.Setenv("ADMINSYNC_URL", "ws://localhost:8081")).To(Succeed())

			cfg, err := config.Load("")
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.Connection.URL).To(Equal("ws://localhost:8081"))
			Expect(cfg.Connection.Role).To(Equal(string(connection.RoleWeb)))
		})

		It("applies overrides after the environment and before validation", func() {
			Expect(os.Setenv("ADMINSYNC_URL", "http://env:8081")).To(Succeed())

			cfg, err := config.Load(write("connection:\n  role: web\n"), config.WithURL("http://flag:8081"), config.WithRole("admin"))
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.Connection.URL).To(Equal("http://flag:8081"))
			Expect(cfg.Connection.Role).To(Equal("admin"))
			Expect(os.Getenv("ADMINSYNC_URL")).To(Equal("http://env:8081"))
			Expect(os.Getenv("ADMINSYNC_ROLE")).To(BeEmpty())
		})

		It("keeps the loaded value for an empty override", func() {
			cfg, err := config.Load(write(sample), config.WithURL(""), config.WithRole(""))
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.Connection.URL).To(Equal("https://iobroker.local:8081"))
			Expect(cfg.Connection.Role).To(Equal("admin"))
		})

		It("validates the overridden value", func() {
			_, err := config.Load(write(sample), config.WithRole("operator"))
			Expect(err).To(MatchError(ContainSubstring("unknown role")))
		})

		It("requires a url", func() {
			_, err := config.Load(write("connection:\n  role: admin\n"))
			Expect(err).To(MatchError(ContainSubstring("connection.url")))
		})

		It("rejects an unknown role", func() {
			_, err := config.Load(write("connection:\n  url: http://x\n  role: operator\n"))
			Expect(err).To(MatchError(ContainSubstring("unknown role")))
		})

		It("rejects unknown keys", func() {
			_, err := config.Load(write("connection:\n  url: http://x\n  passwrd: typo\n"))
			Expect(err).To(HaveOccurred())
		})

		It("reports a missing file", func() {
			_, err := config.Load(filepath.Join(dir, "missing.yaml"))
			Expect(err).To(MatchError(ContainSubstring("failed to read config file")))
		})
	})

	Describe("Clone", func() {
		It("does not share slices with the original", func() {
			cfg, err := config.Load(write(sample))
			Expect(err).NotTo(HaveOccurred())

			clone := cfg.Clone()
			clone.Connection.AutoSubscribes[0] = "changed"
			Expect(cfg.Connection.AutoSubscribes[0]).To(Equal("system.adapter.*"))
			Expect(clone.Connection.URL).To(Equal(cfg.Connection.URL))
		})
	})

	Describe("option builders", func() {
		It("maps the connection section", func() {
			cfg, err := config.Load(write(sample))
			Expect(err).NotTo(HaveOccurred())

			opts, err := cfg.ConnectionOptions()
			Expect(err).NotTo(HaveOccurred())
			Expect(opts.Role).To(Equal(connection.RoleAdmin))
			Expect(opts.Name).To(Equal("tablet"))
			Expect(opts.CheckPermissions).To(BeTrue())
			Expect(opts.LoadAllObjects).To(BeTrue())
			Expect(opts.BootstrapTimeout).To(Equal(2 * time.Second))

			topts := cfg.TransportOptions()
			Expect(topts.URL).To(Equal("https://iobroker.local:8081"))
			Expect(topts.Username).To(Equal("admin"))
			Expect(topts.Password).To(Equal("secret"))
			Expect(topts.ReconnectMax).To(Equal(10 * time.Second))
		})
	})
})
