package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/GalleryDrop/internal/model"
	"github.com/dharsanguruparan/GalleryDrop/internal/upload"
)

func TestObserverCounters(t *testing.T) {
	m := New()
	m.FileStored(model.StoredFile{Size: 10})
	m.FileStored(model.StoredFile{Size: 5})
	m.FieldAccepted(7)
	m.Rejected(upload.ErrFileCount)
	m.Rejected(upload.ErrFormCount)
	m.Rejected(upload.ErrContentType)
	m.UploadCompleted()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.filesStored))
	assert.Equal(t, 15.0, testutil.ToFloat64(m.storedBytes))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.fieldBytes))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.rejections.WithLabelValues("limit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rejections.WithLabelValues("protocol")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.uploads))
}

func TestDeriveAndQueue(t *testing.T) {
	m := New()
	m.QueueAdd(1)
	m.QueueAdd(1)
	m.QueueAdd(-1)
	m.DeriveFinished(time.Now(), nil)
	m.DeriveFinished(time.Now(), errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.queueDepth))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.derivatives.WithLabelValues("complete")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.derivatives.WithLabelValues("failed")))
}

func TestHandlerExposesNamespace(t *testing.T) {
	m := New()
	m.UploadCompleted()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "gallerydrop_uploads_total 1")
}
