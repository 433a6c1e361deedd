/*
Copyright 2024 The Local PKD Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package server

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iland112/local-pkd-sub009/pkg/pkd/blob"
	pkderrors "github.com/iland112/local-pkd-sub009/pkg/pkd/errors"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/event"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/history"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/ldap"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/pa"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/parser"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/parser/ldif"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/parser/masterlist"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/pipeline"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/types"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/validate"
	"github.com/iland112/local-pkd-sub009/testutil"
)

type noopReplicator struct{}

func (noopReplicator) Replicate(ctx context.Context, id types.UploadID, records []ldap.WriteRecord) (*ldap.WriteReport, error) {
	return &ldap.WriteReport{}, nil
}

type noCscas struct{}

func (noCscas) FindCscaBySubjectDN(ctx context.Context, dn types.DistinguishedName, country types.CountryCode) (*x509.Certificate, error) {
	return nil, pkderrors.New(pkderrors.CscaNotFound, "no CSCA under %s", dn)
}

type noCrls struct{}

func (noCrls) FindCrlByCsca(ctx context.Context, cscaSubject types.DistinguishedName, country types.CountryCode) (*types.CRLRecord, error) {
	return nil, nil
}

type testServer struct {
	*Server
	store *history.Store
	cache *pa.CrlCache
}

// newTestServer wires a full MANUAL-mode server against in-memory storage
// and a no-op LDAP tier.
func newTestServer(t *testutil.T) *testServer {
	t.Helper()
	store, err := history.Open(t.NewTempDir().Path("history.db"))
	t.CheckNoError(err)

	bus := event.NewBus()
	t.Cleanup(bus.Stop)

	blobs := blob.NewStore(afero.NewMemMapFs(), "/uploads")
	uploads := blob.NewService(blobs, store, bus)

	registry := parser.NewRegistry(ldif.New(bus), masterlist.New(bus, store, nil))
	orchestrator := pipeline.New(store, blobs, registry, validate.New(bus, nil),
		noopReplicator{}, bus, pipeline.Config{Concurrency: 1})

	cache := pa.NewCrlCache(nil, noCrls{}, time.Minute, time.Hour)
	t.Cleanup(cache.Stop)
	verifier := pa.NewVerifier(noCscas{}, cache, store)

	return &testServer{
		Server: New(uploads, orchestrator, store, verifier, bus, types.ModeManual),
		store:  store,
		cache:  cache,
	}
}

func multipartBody(t *testutil.T, fileName string, data []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", fileName)
	t.CheckNoError(err)
	_, err = part.Write(data)
	t.CheckNoError(err)
	for k, v := range fields {
		t.CheckNoError(w.WriteField(k, v))
	}
	t.CheckNoError(w.Close())
	return &buf, w.FormDataContentType()
}

func doJSON(router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testutil.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	t.CheckNoError(json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func ldifPayload() []byte {
	return []byte("dn: c=DE,dc=data,dc=download,dc=pkd\nobjectClass: country\n")
}

func TestHealthz(t *testing.T) {
	testutil.Run(t, "", func(t *testutil.T) {
		router := newTestServer(t).Router()

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t.T, http.StatusOK, rec.Code)
		assert.Equal(t.T, "ok", decode(t, rec)["status"])
	})
}

func TestUploadLdif(t *testing.T) {
	testutil.Run(t, "", func(t *testutil.T) {
		router := newTestServer(t).Router()

		body, contentType := multipartBody(t, "icaopkd-002-dsccrl-007078.ldif", ldifPayload(), nil)
		req := httptest.NewRequest(http.MethodPost, "/ldif/upload", body)
		req.Header.Set("Content-Type", contentType)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		require.Equal(t.T, http.StatusOK, rec.Code, rec.Body.String())
		out := decode(t, rec)
		assert.Equal(t.T, string(types.StatusUploaded), out["status"])
		assert.NotEmpty(t.T, out["uploadId"])
	})
}

func TestUploadDuplicateConflict(t *testing.T) {
	testutil.Run(t, "", func(t *testutil.T) {
		router := newTestServer(t).Router()

		upload := func() *httptest.ResponseRecorder {
			body, contentType := multipartBody(t, "batch.ldif", ldifPayload(), nil)
			req := httptest.NewRequest(http.MethodPost, "/ldif/upload", body)
			req.Header.Set("Content-Type", contentType)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			return rec
		}

		first := upload()
		require.Equal(t.T, http.StatusOK, first.Code)

		second := upload()
		require.Equal(t.T, http.StatusConflict, second.Code)
		assert.Equal(t.T, decode(t, first)["uploadId"], decode(t, second)["duplicateOf"])
	})
}

func TestUploadWrongSurface(t *testing.T) {
	testutil.Run(t, "", func(t *testutil.T) {
		srv := newTestServer(t)
		router := srv.Router()

		// an LDIF payload is not accepted on the master list surface
		body, contentType := multipartBody(t, "batch.ldif", ldifPayload(), nil)
		req := httptest.NewRequest(http.MethodPost, "/masterlist/upload", body)
		req.Header.Set("Content-Type", contentType)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t.T, http.StatusBadRequest, rec.Code)
		assert.Equal(t.T, string(pkderrors.UnknownFormat), decode(t, rec)["code"])

		// the rejected upload left nothing in the ledger
		_, total, err := srv.store.ListUploads(history.UploadQuery{})
		t.CheckNoError(err)
		assert.Equal(t.T, int64(0), total)
	})
}

func TestCheckDuplicate(t *testing.T) {
	testutil.Run(t, "", func(t *testutil.T) {
		srv := newTestServer(t)
		router := srv.Router()

		hash := types.HashBytes(ldifPayload())
		rec := doJSON(router, http.MethodPost, "/ldif/api/check-duplicate", checkDuplicateRequest{
			FileName: "batch.ldif",
			FileHash: hash.String(),
		})
		require.Equal(t.T, http.StatusOK, rec.Code)
		assert.Equal(t.T, "NONE", decode(t, rec)["warningType"])

		u := &types.UploadedFile{
			ID:       types.NewUploadID(),
			FileName: "batch.ldif",
			Hash:     hash,
			Format:   types.EmrtdCompleteLdif,
			Status:   types.StatusReplicated,
		}
		t.CheckNoError(srv.store.SaveUpload(u))

		rec = doJSON(router, http.MethodPost, "/ldif/api/check-duplicate", checkDuplicateRequest{
			FileName: "batch.ldif",
			FileHash: hash.String(),
		})
		require.Equal(t.T, http.StatusOK, rec.Code)
		out := decode(t, rec)
		assert.Equal(t.T, "EXACT_DUPLICATE", out["warningType"])
		assert.Equal(t.T, u.ID.String(), out["existingFileId"])
	})
}

func TestUploadByID(t *testing.T) {
	testutil.Run(t, "", func(t *testutil.T) {
		srv := newTestServer(t)
		router := srv.Router()

		u := &types.UploadedFile{
			ID:       types.NewUploadID(),
			FileName: "batch.ldif",
			Format:   types.EmrtdCompleteLdif,
			Status:   types.StatusUploaded,
		}
		t.CheckNoError(srv.store.SaveUpload(u))

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/uploads/"+u.ID.String(), nil))
		require.Equal(t.T, http.StatusOK, rec.Code)
		assert.Equal(t.T, "batch.ldif", decode(t, rec)["fileName"])

		rec = httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/uploads/"+types.NewUploadID().String(), nil))
		assert.Equal(t.T, http.StatusNotFound, rec.Code)

		rec = httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/uploads/not-a-uuid", nil))
		assert.Equal(t.T, http.StatusBadRequest, rec.Code)
	})
}

func TestManualStageCommands(t *testing.T) {
	testutil.Run(t, "", func(t *testutil.T) {
		srv := newTestServer(t)
		router := srv.Router()

		u := &types.UploadedFile{
			ID:       types.NewUploadID(),
			FileName: "batch.ldif",
			Format:   types.EmrtdCompleteLdif,
			Mode:     types.ModeManual,
			Status:   types.StatusUploaded,
		}
		t.CheckNoError(srv.store.SaveUpload(u))

		// validate before parse is an illegal transition
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/processing/validate/"+u.ID.String(), nil))
		assert.Equal(t.T, http.StatusBadRequest, rec.Code)
		assert.Equal(t.T, string(pkderrors.IllegalStateTransition), decode(t, rec)["code"])
	})
}

func TestCancelAccepted(t *testing.T) {
	testutil.Run(t, "", func(t *testutil.T) {
		router := newTestServer(t).Router()

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost,
			"/api/processing/cancel/"+types.NewUploadID().String(), nil))

		assert.Equal(t.T, http.StatusAccepted, rec.Code)
		assert.Equal(t.T, "CANCELLING", decode(t, rec)["status"])
	})
}

func TestVerifyAlwaysAnswers(t *testing.T) {
	testutil.Run(t, "", func(t *testutil.T) {
		router := newTestServer(t).Router()

		// an unparseable SOD still yields a full response body
		rec := doJSON(router, http.MethodPost, "/api/pa/verify", verifyRequest{
			Sod: base64.StdEncoding.EncodeToString([]byte("not a sod")),
		})
		require.Equal(t.T, http.StatusOK, rec.Code)
		out := decode(t, rec)
		assert.Equal(t.T, string(types.PAError), out["status"])
		assert.NotEmpty(t.T, out["verificationId"])
	})
}

func TestVerifyRejectsBadBase64(t *testing.T) {
	testutil.Run(t, "", func(t *testutil.T) {
		router := newTestServer(t).Router()

		rec := doJSON(router, http.MethodPost, "/api/pa/verify", map[string]string{"sod": "!!!"})
		assert.Equal(t.T, http.StatusBadRequest, rec.Code)
	})
}

func TestParseDG1Endpoint(t *testing.T) {
	testutil.Run(t, "", func(t *testutil.T) {
		router := newTestServer(t).Router()

		mrz := "P<UTOERIKSSON<<ANNA<MARIA<<<<<<<<<<<<<<<<<<<" +
			"L898902C36UTO7408122F1204159ZE184226B<<<<<10"
		rec := doJSON(router, http.MethodPost, "/api/pa/parse-dg1", parseDGRequest{
			Data: base64.StdEncoding.EncodeToString([]byte(mrz)),
		})

		require.Equal(t.T, http.StatusOK, rec.Code, rec.Body.String())
		out := decode(t, rec)
		assert.Equal(t.T, "L898902C3", out["documentNumber"])
		assert.Equal(t.T, true, out["compositeCheckOk"])
	})
}

func TestPAStatisticsEndpoint(t *testing.T) {
	testutil.Run(t, "", func(t *testutil.T) {
		srv := newTestServer(t)
		router := srv.Router()

		t.CheckNoError(srv.store.SavePA(&types.PassportDataRecord{
			ID:        types.NewVerificationID(),
			Status:    types.PAValid,
			StartedAt: time.Now().UTC(),
		}))

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/pa/statistics", nil))

		require.Equal(t.T, http.StatusOK, rec.Code)
		out := decode(t, rec)
		assert.Equal(t.T, float64(1), out["total"])
	})
}
