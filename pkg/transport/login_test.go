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


package transport_test

import (
	"context"
	"net/http"

	"github.com/h2non/gock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/adminsync/pkg/transport"
)

var _ = Describe("Login", func() {
	var client *http.Client

	BeforeEach(func() {
		client = transport.NewHTTPClient(false)
		gock.InterceptClient(client)
	})

	AfterEach(func() {
		gock.RestoreClient(client)
		gock.OffAll()
	})

	login := func() (*http.Cookie, error) {
		return transport.Login(context.Background(), transport.LoginOptions{
			BaseURL:  "http://admin.local:8081/",
			Username: "admin",
			Password: "secret",
			Client:   client,
		})
	}

	It("extracts the session cookie", func() {
		gock.New("http://admin.local:8081").
			Post("/login").
			MatchType("json").
			JSON(map[string]string{"username": "admin", "password": "secret"}).
			Reply(http.StatusOK).
			AddHeader("Set-Cookie", "other=1; Path=/").
			AddHeader("Set-Cookie", "access_token=tok-123; Path=/; HttpOnly")

		cookie, err := login()
		Expect(err).NotTo(HaveOccurred())
		Expect(cookie.Name).To(Equal("access_token"))
		Expect(cookie.Value).To(Equal("tok-123"))
		Expect(gock.IsDone()).To(BeTrue())
	})

	It("accepts the cookie on a redirect", func() {
		gock.New("http://admin.local:8081").
			Post("/login").
			Reply(http.StatusFound).
			SetHeader("Location", "/").
			AddHeader("Set-Cookie", "access_token=tok-456; Path=/")

		cookie, err := login()
		Expect(err).NotTo(HaveOccurred())
		Expect(cookie.Value).To(Equal("tok-456"))
	})

	It("maps 401 to reauthentication", func() {
		gock.New("http://admin.local:8081").
			Post("/login").
			Reply(http.StatusUnauthorized)

		_, err := login()
		Expect(err).To(MatchError(transport.ErrReauthenticationRequired))
	})

	It("fails without a session cookie", func() {
		gock.New("http://admin.local:8081").
			Post("/login").
			Reply(http.StatusOK)

		_, err := login()
		Expect(err).To(MatchError(ContainSubstring("no access_token cookie")))
	})

	It("does not retry server errors", func() {
		gock.New("http://admin.local:8081").
			Post("/login").
			Times(1).
			Reply(http.StatusInternalServerError)

		_, err := login()
		Expect(err).To(MatchError(ContainSubstring("status 500")))
		Expect(gock.IsDone()).To(BeTrue())
	})
})
