package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StreetsDigital/thenexusengine/adx/internal/openrtb"
)

type fakeLoader struct {
	mu        sync.Mutex
	endpoints []Endpoint
	err       error
}

func (f *fakeLoader) FetchActiveEndpoints(_ context.Context, direction Direction) ([]Endpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []Endpoint
	for _, ep := range f.endpoints {
		if ep.Direction == direction {
			out = append(out, ep)
		}
	}
	return out, nil
}

func (f *fakeLoader) set(eps ...Endpoint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endpoints = eps
}

func outbound(id string, formats ...openrtb.MediaType) Endpoint {
	return Endpoint{ID: id, Direction: DirectionOutbound, Status: StatusActive, Formats: formats, TimeoutMS: 100}
}

func TestListEligible_FiltersAndOrders(t *testing.T) {
	r := New(nil, 0)
	r.Register(outbound("ssp-c", openrtb.MediaTypeBanner))
	r.Register(outbound("ssp-a"))
	r.Register(outbound("ssp-b", openrtb.MediaTypeVideo))
	r.Register(Endpoint{ID: "ssp-d", Direction: DirectionOutbound, Status: StatusTesting})
	r.Register(Endpoint{ID: "dsp-a", Direction: DirectionInbound, Status: StatusActive})

	got := r.ListEligible(DirectionOutbound, openrtb.MediaTypeBanner)

	ids := make([]string, len(got))
	for i, ep := range got {
		ids[i] = ep.ID
	}
	assert.Equal(t, []string{"ssp-a", "ssp-c"}, ids)
}

func TestCredentialsFor(t *testing.T) {
	tests := []struct {
		name string
		auth Auth
		want AuthHeader
	}{
		{"none", Auth{Type: AuthNone}, AuthHeader{}},
		{"bearer", Auth{Type: AuthBearer, Token: "tok"}, AuthHeader{Name: "Authorization", Value: "Bearer tok"}},
		{"bearer without token", Auth{Type: AuthBearer}, AuthHeader{}},
		{"basic", Auth{Type: AuthBasic, Username: "user", Password: "pass"}, AuthHeader{Name: "Authorization", Value: "Basic dXNlcjpwYXNz"}},
		{"api key default header", Auth{Type: AuthAPIKey, Token: "k1"}, AuthHeader{Name: "X-API-Key", Value: "k1"}},
		{"api key custom header", Auth{Type: AuthAPIKey, Token: "k1", HeaderName: "X-Partner-Key"}, AuthHeader{Name: "X-Partner-Key", Value: "k1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CredentialsFor(&Endpoint{Auth: tt.auth}))
		})
	}
}

func TestAuthHeader_StringRedacts(t *testing.T) {
	h := CredentialsFor(&Endpoint{Auth: Auth{Type: AuthBearer, Token: "super-secret"}})

	assert.NotContains(t, h.String(), "super-secret")
	assert.NotContains(t, fmt.Sprintf("%v", h), "super-secret")
	assert.Equal(t, "Authorization: [REDACTED]", h.String())
	assert.Equal(t, "<none>", AuthHeader{}.String())
}

func TestByKey(t *testing.T) {
	r := New(nil, 0)
	r.Register(Endpoint{ID: "dsp-1", Direction: DirectionInbound, Status: StatusActive, Key: "key-1"})
	r.Register(Endpoint{ID: "dsp-2", Direction: DirectionInbound, Status: StatusInactive, Key: "key-2"})
	r.Register(Endpoint{ID: "ssp-1", Direction: DirectionOutbound, Status: StatusActive, Key: "key-3"})

	ep, ok := r.ByKey("key-1")
	require.True(t, ok)
	assert.Equal(t, "dsp-1", ep.ID)

	_, ok = r.ByKey("key-2")
	assert.False(t, ok, "inactive endpoints do not authenticate")
	_, ok = r.ByKey("key-3")
	assert.False(t, ok, "outbound keys are not accepted")
	_, ok = r.ByKey("")
	assert.False(t, ok)
	_, ok = r.ByKey("nope")
	assert.False(t, ok)
}

func TestRefresh_MarksMissingInactive(t *testing.T) {
	loader := &fakeLoader{}
	loader.set(outbound("ssp-a"), outbound("ssp-b"))
	r := New(loader, time.Hour)

	require.NoError(t, r.Refresh(context.Background()))
	assert.Len(t, r.ListEligible(DirectionOutbound, ""), 2)

	r.RecordResult("ssp-b", 10*time.Millisecond, true)
	loader.set(outbound("ssp-a"))
	require.NoError(t, r.Refresh(context.Background()))

	eligible := r.ListEligible(DirectionOutbound, "")
	require.Len(t, eligible, 1)
	assert.Equal(t, "ssp-a", eligible[0].ID)

	ep, ok := r.Get("ssp-b")
	require.True(t, ok, "missing endpoints are kept")
	assert.Equal(t, StatusInactive, ep.Status)

	stats, _ := r.Stats("ssp-b")
	assert.Equal(t, int64(1), stats.Requests)
}

func TestRefresh_LoaderErrorKeepsState(t *testing.T) {
	loader := &fakeLoader{}
	loader.set(outbound("ssp-a"))
	r := New(loader, time.Hour)
	require.NoError(t, r.Refresh(context.Background()))

	loader.err = errors.New("db down")
	err := r.Refresh(context.Background())
	require.Error(t, err)
	assert.Len(t, r.ListEligible(DirectionOutbound, ""), 1)
}

func TestStart_InitialLoadError(t *testing.T) {
	r := New(&fakeLoader{err: errors.New("boom")}, time.Hour)
	err := r.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "initial load failed")
	r.Stop()
	r.Stop()
}

func TestRecordResult_Concurrent(t *testing.T) {
	r := New(nil, 0)
	r.Register(outbound("ssp-a"))

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.RecordResult("ssp-a", 20*time.Millisecond, i%4 != 0)
		}(i)
	}
	wg.Wait()

	stats, ok := r.Stats("ssp-a")
	require.True(t, ok)
	assert.Equal(t, int64(100), stats.Requests)
	assert.Equal(t, int64(75), stats.Successes)
	assert.InDelta(t, 0.75, stats.SuccessRate, 1e-9)
	assert.InDelta(t, float64(20*time.Millisecond), float64(stats.AvgResponseTime), float64(time.Microsecond))
}

func TestEndpoint_Filters(t *testing.T) {
	ep := &Endpoint{
		Sizes:     []Size{{W: 300, H: 250}},
		Countries: []string{"us", "GB"},
	}

	assert.True(t, ep.SupportsSize(300, 250))
	assert.False(t, ep.SupportsSize(728, 90))
	assert.True(t, ep.SupportsSize(0, 0))
	assert.True(t, ep.AllowsCountry("US"))
	assert.True(t, ep.AllowsCountry("gb"))
	assert.False(t, ep.AllowsCountry("FR"))
	assert.False(t, ep.AllowsCountry(""))
	assert.True(t, (&Endpoint{}).AllowsCountry(""))
}

type fakeRedis struct {
	data map[string]string
	err  error
}

func (f *fakeRedis) HGetAll(_ context.Context, _ string) *goredis.MapStringStringCmd {
	return goredis.NewMapStringStringResult(f.data, f.err)
}

func TestRedisLoader(t *testing.T) {
	client := &fakeRedis{data: map[string]string{
		"ssp-a": `{"direction":"outbound","status":"active","url":"https://ssp-a.example/bid","timeout_ms":120}`,
		"ssp-b": `{"id":"ssp-b","direction":"outbound","status":"inactive"}`,
		"dsp-a": `{"id":"dsp-a","direction":"inbound","status":"active","key":"k"}`,
		"bad":   `{not json`,
	}}
	loader := NewRedisLoader(client)

	eps, err := loader.FetchActiveEndpoints(context.Background(), DirectionOutbound)
	require.NoError(t, err)
	require.Len(t, eps, 1)
	assert.Equal(t, "ssp-a", eps[0].ID)
	assert.Equal(t, 120*time.Millisecond, eps[0].Timeout())

	client.err = errors.New("conn refused")
	_, err = loader.FetchActiveEndpoints(context.Background(), DirectionInbound)
	assert.Error(t, err)
}
