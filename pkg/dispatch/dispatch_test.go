package dispatch

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/tenant-idm/pkg/validation"
)

type greetRequest struct {
	Name string
}

func TestSend(t *testing.T) {
	handled := 0
	cmd := Command[greetRequest, string]{
		Name: "greet",
		Validate: validation.Field("name", func(r greetRequest) string { return r.Name },
			validation.NotEmpty),
		Handle: func(ctx context.Context, req greetRequest) (string, error) {
			handled++
			switch req.Name {
			case "taken":
				return "", fmt.Errorf("create: %w", validation.Errors{validation.New("NameNotUnique", "taken", "name")})
			case "boom":
				return "", errors.New("store unavailable")
			}
			return "hello " + req.Name, nil
		},
	}
	ctx := context.Background()

	t.Run("validation short-circuits the handler", func(t *testing.T) {
		res, err := Send(ctx, cmd, greetRequest{})
		require.NoError(t, err)
		assert.False(t, res.IsValid())
		assert.Equal(t, validation.CodeEmpty, res.Errors()[0].Code)
		assert.Equal(t, 0, handled)
	})

	t.Run("success", func(t *testing.T) {
		res, err := Send(ctx, cmd, greetRequest{Name: "ada"})
		require.NoError(t, err)
		assert.True(t, res.IsValid())
		assert.Equal(t, "hello ada", res.Value())
	})

	t.Run("handler validation errors become a failed result", func(t *testing.T) {
		res, err := Send(ctx, cmd, greetRequest{Name: "taken"})
		require.NoError(t, err)
		assert.True(t, res.Errors().Has("NameNotUnique"))
	})

	t.Run("infrastructure errors propagate", func(t *testing.T) {
		_, err := Send(ctx, cmd, greetRequest{Name: "boom"})
		assert.EqualError(t, err, "store unavailable")
	})
}
