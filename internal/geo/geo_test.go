package geo

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"sitepulse/internal/config"
)

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		SkipDefaultTransaction: true,
		DisableAutomaticPing:   true,
	})
	require.NoError(t, err)
	return gdb, mock
}

func newProvider(t *testing.T, calls *int64, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(calls, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func geoCacheColumns() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "created_at", "ip", "country", "city", "region", "lat", "lon", "isp"})
}

func TestResolveCacheMissThenHit(t *testing.T) {
	gdb, mock := newMockDB(t)

	var calls int64
	srv := newProvider(t, &calls, `{"status":"success","country":"United States","city":"Mountain View","regionName":"California","lat":37.4,"lon":-122.1,"isp":"Google LLC"}`)

	r := NewResolver(gdb, &config.Config{GeoAPIURL: srv.URL})

	// First sight: cache miss, provider lookup, cache write.
	mock.ExpectQuery(`SELECT \* FROM "geo_caches"`).WillReturnRows(geoCacheColumns())
	mock.ExpectQuery(`INSERT INTO "geo_caches"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

	entry := r.Resolve("8.8.8.8")
	require.NotNil(t, entry)
	assert.Equal(t, "United States", entry.Country)
	assert.Equal(t, "Mountain View", entry.City)
	assert.Equal(t, "California", entry.Region)
	assert.Equal(t, "Google LLC", entry.ISP)

	// Second sight: served from cache, no provider call.
	mock.ExpectQuery(`SELECT \* FROM "geo_caches"`).
		WillReturnRows(geoCacheColumns().
			AddRow(1, time.Now(), "8.8.8.8", "United States", "Mountain View", "California", 37.4, -122.1, "Google LLC"))

	entry = r.Resolve("8.8.8.8")
	require.NotNil(t, entry)
	assert.Equal(t, "United States", entry.Country)

	assert.EqualValues(t, 1, atomic.LoadInt64(&calls))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveProviderFailureNotMemoized(t *testing.T) {
	gdb, mock := newMockDB(t)

	var calls int64
	srv := newProvider(t, &calls, `{"status":"fail","message":"reserved range"}`)

	r := NewResolver(gdb, &config.Config{GeoAPIURL: srv.URL})

	// A failed lookup is not cached, so each occurrence retries.
	mock.ExpectQuery(`SELECT \* FROM "geo_caches"`).WillReturnRows(geoCacheColumns())
	assert.Nil(t, r.Resolve("203.0.113.7"))

	mock.ExpectQuery(`SELECT \* FROM "geo_caches"`).WillReturnRows(geoCacheColumns())
	assert.Nil(t, r.Resolve("203.0.113.7"))

	assert.EqualValues(t, 2, atomic.LoadInt64(&calls))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveProviderNon200(t *testing.T) {
	gdb, mock := newMockDB(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	r := NewResolver(gdb, &config.Config{GeoAPIURL: srv.URL})

	mock.ExpectQuery(`SELECT \* FROM "geo_caches"`).WillReturnRows(geoCacheColumns())
	assert.Nil(t, r.Resolve("203.0.113.7"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveSkipsPrivateAddresses(t *testing.T) {
	gdb, mock := newMockDB(t)

	var calls int64
	srv := newProvider(t, &calls, `{"status":"success"}`)
	r := NewResolver(gdb, &config.Config{GeoAPIURL: srv.URL})

	for _, addr := range []string{"127.0.0.1", "10.0.0.5", "192.168.1.1", "172.16.4.2", "::1", "fe80::1", "", "not-an-ip"} {
		assert.Nil(t, r.Resolve(addr), addr)
	}

	assert.EqualValues(t, 0, atomic.LoadInt64(&calls))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsPrivate(t *testing.T) {
	private := []string{"127.0.0.1", "10.1.2.3", "172.16.0.1", "172.31.255.255", "192.168.0.1", "::1", "fe80::1", "0.0.0.0", "garbage"}
	for _, addr := range private {
		assert.True(t, IsPrivate(addr), addr)
	}

	public := []string{"8.8.8.8", "1.1.1.1", "203.0.113.7", "172.32.0.1", "2001:4860:4860::8888"}
	for _, addr := range public {
		assert.False(t, IsPrivate(addr), addr)
	}
}
