package validation

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dferrors "github.com/namjunsu/docfind/internal/errors"
)

func TestValidateQuery(t *testing.T) {
	assert.NoError(t, ValidateQuery("중계차 보수 합계"))
	assert.Error(t, ValidateQuery(""))
	assert.Error(t, ValidateQuery("   "))

	long := strings.Repeat("가", MaxQueryLength+1)
	err := ValidateQuery(long)
	require.Error(t, err)
	assert.Equal(t, dferrors.ErrCodeQueryTooLong, dferrors.CodeOf(err))
}

func TestValidateTopK(t *testing.T) {
	assert.NoError(t, ValidateTopK(0))
	assert.NoError(t, ValidateTopK(5))
	assert.NoError(t, ValidateTopK(MaxTopK))
	assert.Error(t, ValidateTopK(-1))
	assert.Error(t, ValidateTopK(MaxTopK+1))
}

func TestSafeResolve(t *testing.T) {
	root := t.TempDir()

	resolved, err := SafeResolve(root, "a/b.pdf")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "a", "b.pdf"), resolved)

	// Traversal is rejected with a permission-style validation error.
	_, err = SafeResolve(root, "../../etc/passwd")
	require.Error(t, err)
	assert.Equal(t, dferrors.ErrCodePathEscape, dferrors.CodeOf(err))

	_, err = SafeResolve(root, "a/../../outside.pdf")
	assert.Error(t, err)

	// Absolute path outside the root.
	_, err = SafeResolve(root, "/etc/passwd")
	assert.Error(t, err)

	// Absolute path inside the root is fine.
	inside := filepath.Join(root, "ok.pdf")
	resolved, err = SafeResolve(root, inside)
	require.NoError(t, err)
	assert.Equal(t, inside, resolved)
}
