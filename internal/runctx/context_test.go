package runctx

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/nodeflow/pkg/schema"
)

func TestNew_CopiesInitialContext(t *testing.T) {
	initial := map[string]any{"user": map[string]any{"name": "ada"}}
	c := New(initial)

	initial["user"].(map[string]any)["name"] = "mutated"
	initial["extra"] = true

	v, ok := c.Lookup("user.name")
	require.True(t, ok)
	assert.Equal(t, "ada", v)
	_, ok = c.Get("extra")
	assert.False(t, ok)
	assert.Equal(t, TriggerOwner, c.Owner("user"))
}

func TestWith_IsCopyOnWrite(t *testing.T) {
	c0 := New(nil)
	c1, err := c0.With("a", "x", 1)
	require.NoError(t, err)
	c2, err := c1.With("b", "y", 2)
	require.NoError(t, err)

	assert.Equal(t, 0, c0.Len())
	assert.Equal(t, 1, c1.Len())
	assert.Equal(t, []string{"x", "y"}, c2.Names())
	assert.Equal(t, "b", c2.Owner("y"))
}

func TestWith_ConflictOnForeignVariable(t *testing.T) {
	c, err := New(map[string]any{"webhook": map[string]any{}}).With("a", "x", 1)
	require.NoError(t, err)

	_, err = c.With("b", "x", 2)
	require.Error(t, err)
	var nfErr *schema.NodeflowError
	require.True(t, errors.As(err, &nfErr))
	assert.Equal(t, schema.ErrCodeVariableConflict, nfErr.Code)
	assert.False(t, nfErr.IsRetryable())

	_, err = c.With("a", "webhook", nil)
	require.Error(t, err)
}

func TestWith_OwnerMayOverwrite(t *testing.T) {
	c, err := New(nil).With("a", "x", 1)
	require.NoError(t, err)
	c, err = c.With("a", "x", 2)
	require.NoError(t, err)
	v, _ := c.Get("x")
	assert.Equal(t, 2, v)
}

func TestWith_EmptyName(t *testing.T) {
	_, err := New(nil).With("a", "", 1)
	require.Error(t, err)
}

func TestLookup(t *testing.T) {
	c := New(map[string]any{
		"a.b":  "literal",
		"resp": map[string]any{"body": map[string]any{"id": 7.0}},
		"list": []any{1.0},
	})

	v, ok := c.Lookup("a.b")
	require.True(t, ok)
	assert.Equal(t, "literal", v)

	v, ok = c.Lookup("resp.body.id")
	require.True(t, ok)
	assert.Equal(t, 7.0, v)

	_, ok = c.Lookup("resp.missing")
	assert.False(t, ok)
	_, ok = c.Lookup("list.0")
	assert.False(t, ok)
}

func TestVars_ReturnsDeepCopy(t *testing.T) {
	c := New(map[string]any{"m": map[string]any{"k": "v"}})
	vars := c.Vars()
	vars["m"].(map[string]any)["k"] = "changed"

	v, _ := c.Lookup("m.k")
	assert.Equal(t, "v", v)
}

func TestMarshalJSON(t *testing.T) {
	c, err := New(map[string]any{"a": 1}).With("n", "b", "two")
	require.NoError(t, err)
	b, err := json.Marshal(c)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1,"b":"two"}`, string(b))

	var zero Context
	b, err = json.Marshal(zero)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(b))
}
