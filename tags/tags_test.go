package tags_test

import (
	"encoding/json"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/everyauth/everyauth-go/tags"
)

func TestEncodeConcreteNullAndWildcard(t *testing.T) {
	ts := tags.Set{
		tags.ServiceKey: tags.String("slack"),
		tags.UserKey:    tags.String("user-1"),
		tags.TenantKey:  tags.Null,
		"custom.flag":   tags.Any,
	}

	q := url.Values{}
	ts.Encode(q)

	require.Equal(t, []string{
		"custom.flag",
		tags.ServiceKey + "=slack",
		tags.TenantKey + "=null",
		tags.UserKey + "=user-1",
	}, q["tag"])
}

func TestEncodeNullAndWildcardAreDistinct(t *testing.T) {
	nullQuery := url.Values{}
	tags.Set{tags.TenantKey: tags.Null}.Encode(nullQuery)

	wildcardQuery := url.Values{}
	tags.Set{tags.TenantKey: tags.Any}.Encode(wildcardQuery)

	omittedQuery := url.Values{}
	tags.Set{}.Encode(omittedQuery)

	require.Equal(t, []string{tags.TenantKey + "=null"}, nullQuery["tag"])
	require.Equal(t, []string{tags.TenantKey}, wildcardQuery["tag"])
	require.Empty(t, omittedQuery["tag"])
	require.NotEqual(t, nullQuery.Encode(), wildcardQuery.Encode())
}

func TestEncodeIsDeterministic(t *testing.T) {
	ts := tags.Set{
		"b": tags.String("2"),
		"a": tags.String("1"),
		"d": tags.Any,
		"c": tags.Any,
	}

	first := url.Values{}
	ts.Encode(first)
	for i := 0; i < 10; i++ {
		q := url.Values{}
		ts.Encode(q)
		require.Equal(t, first.Encode(), q.Encode())
	}
	require.Equal(t, []string{"c", "d", "a=1", "b=2"}, first["tag"])
}

func TestValueJSONRoundTrip(t *testing.T) {
	ts := tags.Set{
		tags.UserKey:   tags.String("user-1"),
		tags.TenantKey: tags.Null,
	}

	encoded, err := json.Marshal(ts)
	require.NoError(t, err)
	require.JSONEq(t, `{"fusebit.userId":"user-1","fusebit.tenantId":null}`, string(encoded))

	var decoded tags.Set
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	require.Equal(t, "user-1", decoded.Get(tags.UserKey))
	require.True(t, decoded[tags.TenantKey].IsNull())
}

func TestStringsDropsMarkers(t *testing.T) {
	ts := tags.Set{
		tags.UserKey:   tags.String("user-1"),
		tags.TenantKey: tags.Null,
		"anything":     tags.Any,
	}
	require.Equal(t, map[string]string{tags.UserKey: "user-1"}, ts.Strings())
}

func TestCloneIsIndependent(t *testing.T) {
	ts := tags.Set{tags.UserKey: tags.String("user-1")}
	clone := ts.Clone()
	clone[tags.UserKey] = tags.String("user-2")

	require.Equal(t, "user-1", ts.Get(tags.UserKey))
	require.Equal(t, "user-2", clone.Get(tags.UserKey))
}
