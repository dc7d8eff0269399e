package fetcher

import (
	"context"
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"
)

// DecodeJSONArray streams the elements of a JSON array without holding the
// whole document in memory. With an empty field the input must be a bare
// array; otherwise the array is looked up under that top-level key of an
// object, and a bare array is accepted too. Both channels are closed when
// decoding stops; cancel ctx to stop early.
func DecodeJSONArray[T any](ctx context.Context, r io.Reader, field string) (<-chan T, <-chan error) {
	outCh := make(chan T, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(outCh)
		defer close(errCh)

		decoder := json.NewDecoder(r)
		found, err := seekArray(decoder, field)
		if err != nil {
			errCh <- err
			return
		}
		if !found {
			return
		}

		for decoder.More() {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "json: context cancelled")
				return
			}

			var item T
			if err := decoder.Decode(&item); err != nil {
				errCh <- eris.Wrap(err, "json: decode element")
				return
			}

			select {
			case outCh <- item:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "json: context cancelled")
				return
			}
		}
	}()

	return outCh, errCh
}

// seekArray advances decoder past the opening bracket of the target array.
// It reports false when the document has no such array.
func seekArray(decoder *json.Decoder, field string) (bool, error) {
	tok, err := decoder.Token()
	if err == io.EOF {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrap(err, "json: read opening token")
	}

	delim, ok := tok.(json.Delim)
	switch {
	case ok && delim == '[':
		return true, nil
	case ok && delim == '{' && field != "":
	default:
		return false, eris.Errorf("json: unexpected opening token %v", tok)
	}

	for decoder.More() {
		keyTok, err := decoder.Token()
		if err != nil {
			return false, eris.Wrap(err, "json: read key")
		}
		if key, _ := keyTok.(string); key == field {
			valTok, err := decoder.Token()
			if err != nil {
				return false, eris.Wrap(err, "json: read value")
			}
			if d, ok := valTok.(json.Delim); ok && d == '[' {
				return true, nil
			}
			return false, eris.Errorf("json: field %q is not an array", field)
		}
		var skip json.RawMessage
		if err := decoder.Decode(&skip); err != nil {
			return false, eris.Wrap(err, "json: skip value")
		}
	}
	return false, nil
}
