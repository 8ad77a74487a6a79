package collector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/stitch/pkg/secrets"
)

func TestParseScript(t *testing.T) {
	source := `
# login flow
navigate {{target_url}}/login
fill input#email {{secret:EMAIL}}
fill input#password {{secret:PASSWORD}}
click button[type=submit]
wait .dashboard visible
expect_text h1 "Welcome back"
expect_visible .user-menu
`

	steps, err := ParseScript(source)
	require.NoError(t, err)
	require.Len(t, steps, 7)

	assert.Equal(t, OpNavigate, steps[0].Op)
	assert.Equal(t, "{{target_url}}/login", steps[0].Value)

	assert.Equal(t, OpFill, steps[1].Op)
	assert.Equal(t, "input#email", steps[1].Selector)

	assert.Equal(t, OpWait, steps[4].Op)
	assert.Equal(t, "visible", steps[4].Value)

	assert.Equal(t, OpExpectText, steps[5].Op)
	assert.Equal(t, "Welcome back", steps[5].Value)
}

func TestParseScriptDefaultsWaitState(t *testing.T) {
	steps, err := ParseScript("wait .spinner")
	require.NoError(t, err)
	assert.Equal(t, "visible", steps[0].Value)
}

func TestParseScriptErrors(t *testing.T) {
	tests := []struct {
		name   string
		source string
	}{
		{"empty script", "\n# only comments\n"},
		{"unknown op", "teleport /home"},
		{"navigate arity", "navigate http://a http://b"},
		{"fill missing value", "fill input#email"},
		{"bad wait state", "wait .spinner gone"},
		{"bad sleep duration", "sleep forever"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScript(tt.source)
			assert.Error(t, err)
		})
	}
}

func TestParseScriptReportsLineNumber(t *testing.T) {
	_, err := ParseScript("navigate /a\n\nclick\n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 3")
}

func TestResolvePlaceholders(t *testing.T) {
	store := secrets.NewStore("https://staging.example.com")
	require.NoError(t, store.Set("PASSWORD", "hunter2"))
	store.Freeze()

	resolved, err := ResolvePlaceholders("{{target_url}}/login?p={{secret:PASSWORD}}", store)
	require.NoError(t, err)
	assert.Equal(t, "https://staging.example.com/login?p=hunter2", resolved)
}

func TestResolvePlaceholdersMissingKey(t *testing.T) {
	store := secrets.NewStore("https://staging.example.com")
	store.Freeze()

	_, err := ResolvePlaceholders("{{secret:MISSING}}", store)
	require.Error(t, err)
	assert.ErrorIs(t, err, secrets.ErrKeyNotFound)
}

func TestResolvePlaceholdersLeavesPlainText(t *testing.T) {
	store := secrets.NewStore("https://staging.example.com")

	resolved, err := ResolvePlaceholders("button[type=submit]", store)
	require.NoError(t, err)
	assert.Equal(t, "button[type=submit]", resolved)
}
