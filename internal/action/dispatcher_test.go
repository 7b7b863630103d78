package action

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bookingSchema() Schema {
	return Schema{
		Name:        "book",
		Description: "book seats",
		Parameters: Parameters{
			Type: "object",
			Properties: map[string]Property{
				"route": {Type: "string"},
				"time":  {Type: "string"},
				"seats": {Type: "integer"},
			},
			Required: []string{"route", "time", "seats"},
		},
	}
}

func newCountingDispatcher(t *testing.T) (*Dispatcher, *int) {
	t.Helper()
	calls := 0
	r := NewRegistry()
	require.NoError(t, r.Register(NewFunc(bookingSchema(), func(_ context.Context, args Args) (Result, error) {
		calls++
		return Result{"seats": args.Int("seats"), "route": args.String("route")}, nil
	})))
	return NewDispatcher(r), &calls
}

func TestDispatch_Success(t *testing.T) {
	d, calls := newCountingDispatcher(t)

	res, err := d.Dispatch(context.Background(), Call{
		Name:      "book",
		Arguments: Args{"route": "A - B", "time": "08:00", "seats": float64(2)},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, *calls)
	assert.Equal(t, 2, res["seats"])
	assert.Equal(t, "A - B", res["route"])
}

func TestDispatch_UnknownActionNeverInvokesHandler(t *testing.T) {
	d, calls := newCountingDispatcher(t)

	_, err := d.Dispatch(context.Background(), Call{Name: "teleport", Arguments: Args{}})
	var unknown *UnknownActionError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "teleport", unknown.Name)
	assert.Contains(t, err.Error(), "teleport")
	assert.Zero(t, *calls)
}

func TestDispatch_MissingRequiredFieldNamed(t *testing.T) {
	d, calls := newCountingDispatcher(t)

	_, err := d.Dispatch(context.Background(), Call{
		Name:      "book",
		Arguments: Args{"route": "A - B", "time": "08:00"},
	})
	var invalid *InvalidArgumentsError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "book", invalid.Action)
	assert.Equal(t, "seats", invalid.Field)
	assert.Zero(t, *calls)
}

func TestDispatch_FirstMissingFieldInDeclarationOrder(t *testing.T) {
	d, _ := newCountingDispatcher(t)

	_, err := d.Dispatch(context.Background(), Call{Name: "book", Arguments: nil})
	var invalid *InvalidArgumentsError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "route", invalid.Field)
}

func TestDispatch_TypeMismatchNamed(t *testing.T) {
	d, calls := newCountingDispatcher(t)

	_, err := d.Dispatch(context.Background(), Call{
		Name:      "book",
		Arguments: Args{"route": "A - B", "time": "08:00", "seats": "two"},
	})
	var invalid *InvalidArgumentsError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "seats", invalid.Field)
	assert.Zero(t, *calls)
}

func TestDispatch_NonIntegralNumberRejected(t *testing.T) {
	d, calls := newCountingDispatcher(t)

	_, err := d.Dispatch(context.Background(), Call{
		Name:      "book",
		Arguments: Args{"route": "A - B", "time": "08:00", "seats": 1.5},
	})
	var invalid *InvalidArgumentsError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "seats", invalid.Field)
	assert.Zero(t, *calls)
}

func TestDispatch_HandlerErrorWrapped(t *testing.T) {
	boom := errors.New("sold out")
	r := NewRegistry()
	require.NoError(t, r.Register(NewFunc(Schema{Name: "fail"}, func(context.Context, Args) (Result, error) {
		return nil, boom
	})))

	_, err := NewDispatcher(r).Dispatch(context.Background(), Call{Name: "fail"})
	var handlerErr *HandlerError
	require.ErrorAs(t, err, &handlerErr)
	assert.Equal(t, "fail", handlerErr.Action)
	assert.ErrorIs(t, err, boom)
}

func TestDispatch_RemovedHandlerBecomesUnknown(t *testing.T) {
	d, calls := newCountingDispatcher(t)
	require.True(t, d.Registry().Unregister("book"))

	_, err := d.Dispatch(context.Background(), Call{
		Name:      "book",
		Arguments: Args{"route": "A - B", "time": "08:00", "seats": 1},
	})
	var unknown *UnknownActionError
	require.ErrorAs(t, err, &unknown)
	assert.Zero(t, *calls)
}

func TestDispatch_NilDispatcher(t *testing.T) {
	var d *Dispatcher
	_, err := d.Dispatch(context.Background(), Call{Name: "x"})
	assert.ErrorIs(t, err, ErrDispatcherNotReady)
}

func TestArgs_Int(t *testing.T) {
	args := Args{"a": 3, "b": float64(4), "c": json.Number("5"), "d": 2.5, "e": "6"}
	assert.Equal(t, 3, args.Int("a"))
	assert.Equal(t, 4, args.Int("b"))
	assert.Equal(t, 5, args.Int("c"))
	assert.Equal(t, 0, args.Int("d"))
	assert.Equal(t, 0, args.Int("e"))
	assert.Equal(t, 0, args.Int("missing"))
}

func TestArgs_IntOutOfRange(t *testing.T) {
	args := Args{
		"huge":     1e20,
		"negative": -1e20,
		"inf":      math.Inf(1),
		"nan":      math.NaN(),
		"int64":    int64(math.MaxInt32) + 1,
		"number":   json.Number("99999999999"),
		"max":      float64(math.MaxInt32),
		"min":      json.Number("-2147483648"),
	}
	for _, key := range []string{"huge", "negative", "inf", "nan", "int64", "number"} {
		assert.Zero(t, args.Int(key), key)
	}
	assert.Equal(t, math.MaxInt32, args.Int("max"))
	assert.Equal(t, math.MinInt32, args.Int("min"))
}

func TestEncode_KeepsUnicodeAndIsCompact(t *testing.T) {
	out, err := Encode(Result{"route": "Hà Nội - Hải Phòng", "total_price": 300000})
	require.NoError(t, err)
	assert.JSONEq(t, `{"route":"Hà Nội - Hải Phòng","total_price":300000}`, out)
	assert.Contains(t, out, "Hà Nội")
	assert.NotContains(t, out, "\n")
}
