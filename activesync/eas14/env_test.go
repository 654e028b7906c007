/*
 * Omega is an advanced email service that supports Microsoft ActiveSync.
 *
 * Copyright (C) 2016, 2017 Kitae Kim <superkkt@gmail.com>
 *
 * This program is free software; you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation; either version 2 of the License, or
 * any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License along
 * with this program; if not, write to the Free Software Foundation, Inc.,
 * 51 Franklin Street, Fifth Floor, Boston, MA 02110-1301 USA.
 */

package eas14

import (
	"context"
	"encoding/xml"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"github.com/superkkt/omega-eas/activesync"
	"github.com/superkkt/omega-eas/backend"
	bmemory "github.com/superkkt/omega-eas/backend/memory"
	smemory "github.com/superkkt/omega-eas/database/memory"
)

const (
	testUser     = "alice@example.com"
	testPassword = "pw"

	inboxID   = "1"
	draftsID  = "2"
	deletedID = "3"
	sentID    = "4"
	cacheID   = "11"
)

type credential struct {
	userID     string
	authorized bool
}

func (r credential) IsAuthorized() bool { return r.authorized }
func (r credential) UserID() string     { return r.userID }

type authenticator struct{}

func (r authenticator) Auth(userID, password string) (backend.Credential, error) {
	return credential{userID: userID, authorized: password == testPassword}, nil
}

type sentMail struct {
	from string
	to   []string
	msg  []byte
}

type fakeMailer struct {
	mutex sync.Mutex
	sent  []sentMail
}

func (r *fakeMailer) Send(from string, to []string, msg []byte) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.sent = append(r.sent, sentMail{from: from, to: to, msg: msg})
	return nil
}

func (r *fakeMailer) messages() []sentMail {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]sentMail(nil), r.sent...)
}

type testEnv struct {
	t         *testing.T
	handler   http.Handler
	backend   *bmemory.Storage
	metrics   *activesync.Metrics
	mailer    *fakeMailer
	deviceID  string
	policyKey string
}

func newTestEnv(t *testing.T, opts ...func(*activesync.Config)) *testEnv {
	t.Helper()

	activesync.RegisterFactory(NewFactory())
	notifier := activesync.NewNotifier()
	env := &testEnv{
		t:        t,
		backend:  bmemory.New(notifier.Publish),
		metrics:  activesync.NewMetrics(prometheus.NewRegistry()),
		mailer:   new(fakeMailer),
		deviceID: "device1",
	}
	conf := activesync.Config{
		Authenticator: authenticator{},
		Param: activesync.Parameter{
			Storage:  activesync.NewStorage(smemory.NewStateStore()),
			Backend:  env.backend,
			Sessions: activesync.NewSessionStore(),
			Notifier: notifier,
			Mailer:   env.mailer,
			Metrics:  env.metrics,
			Ping: activesync.PingConfig{
				MinHeartbeat: time.Second,
				MaxHeartbeat: 10 * time.Second,
				MaxFolders:   3,
				PollInterval: time.Second,
			},
		},
	}
	for _, f := range opts {
		f(&conf)
	}
	env.handler = activesync.NewListener(conf).Handler()

	return env
}

func (r *testEnv) mailbox() backend.Mailbox {
	return r.backend.Mailbox(credential{userID: testUser, authorized: true})
}

func (r *testEnv) addItem(folderID, data string) backend.Item {
	r.t.Helper()
	v, err := r.mailbox().AddItem(context.Background(), folderID, "Email", []byte(data))
	require.NoError(r.t, err)
	return v
}

func (r *testEnv) newRequest(cmd, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, activesync.Path+"?Cmd="+cmd+"&User=alice&DeviceId="+r.deviceID+"&DeviceType=SmartPhone", strings.NewReader(body))
	req.SetBasicAuth(testUser, testPassword)
	req.Header.Set("MS-ASProtocolVersion", "14.1")
	if r.policyKey != "" {
		req.Header.Set("X-MS-PolicyKey", r.policyKey)
	}
	return req
}

func (r *testEnv) post(cmd, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.handler.ServeHTTP(w, r.newRequest(cmd, body))
	return w
}

// call posts the command and decodes the response document into v.
func (r *testEnv) call(cmd, body string, v interface{}) {
	r.t.Helper()
	w := r.post(cmd, body)
	require.Equal(r.t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(r.t, xml.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

// commonStatus posts the command and returns the status of a bare status
// document.
func (r *testEnv) commonStatus(cmd, body string) int {
	r.t.Helper()
	var v struct {
		Status int
	}
	r.call(cmd, body, &v)
	return v.Status
}

func (r *testEnv) folderSync(key string) FolderSyncResp {
	r.t.Helper()
	var v FolderSyncResp
	r.call(activesync.CmdFolderSync, `<FolderSync xmlns="FolderHierarchy"><SyncKey>`+key+`</SyncKey></FolderSync>`, &v)
	return v
}

func (r *testEnv) initialFolderSync() string {
	r.t.Helper()
	v := r.folderSync("0")
	require.Equal(r.t, 1, v.Status)
	return v.SyncKey
}

func syncRequest(collections ...string) string {
	return `<Sync xmlns="AirSync"><Collections>` + strings.Join(collections, "") + `</Collections></Sync>`
}

func collection(key, id, extra string) string {
	return `<Collection><SyncKey>` + key + `</SyncKey><CollectionId>` + id + `</CollectionId>` + extra + `</Collection>`
}

func (r *testEnv) sync(key, id, extra string) SyncCollectionResp {
	r.t.Helper()
	var v SyncResp
	r.call(activesync.CmdSync, syncRequest(collection(key, id, extra)), &v)
	require.NotNil(r.t, v.Collections, "top level status %v", v.Status)
	require.Len(r.t, v.Collections.Collection, 1)
	return v.Collections.Collection[0]
}

// primedSync primes the collection and returns the first sync key.
func (r *testEnv) primedSync(id string) string {
	r.t.Helper()
	v := r.sync("0", id, "")
	require.Equal(r.t, 1, v.Status)
	require.NotEmpty(r.t, v.SyncKey)
	return v.SyncKey
}
