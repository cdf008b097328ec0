package apclient

import (
	"context"

	"github.com/pkg/errors"

	"github.com/concrnt/apnode/types"
)

// MaxCollectionDepth bounds how many pages/collections are followed.
const MaxCollectionDepth = 3

// ParseCollection returns the item ids of a collection, following first/next pages.
// Either url or payload must be given. Exceeding MaxCollectionDepth is an error.
func (c *ApClient) ParseCollection(ctx context.Context, url string, payload *types.RawApObj) ([]string, error) {
	ctx, span := tracer.Start(ctx, "ApClient.ParseCollection")
	defer span.End()

	items, err := c.parseCollection(ctx, url, payload, 0)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return items, nil
}

func (c *ApClient) parseCollection(ctx context.Context, url string, payload *types.RawApObj, level int) ([]string, error) {
	if level > MaxCollectionDepth {
		return nil, errors.Wrapf(types.ErrRecursionLimit, "while parsing %s", url)
	}

	if payload == nil {
		var err error
		payload, err = c.Fetch(ctx, url, false)
		if err != nil {
			return nil, err
		}
	}

	switch payload.Type() {
	case types.TypeCollection, types.TypeOrderedCollection:
		if items, ok := inlineItems(payload); ok {
			return items, nil
		}

		var out []string
		if first, ok := payload.GetRaw("first"); ok {
			items, _ := inlineItems(first)
			out = append(out, items...)
			if next := first.MustGetString("next"); next != "" {
				more, err := c.parseCollection(ctx, next, nil, level+1)
				if err != nil {
					return nil, err
				}
				out = append(out, more...)
			}
		} else if first := payload.MustGetString("first"); first != "" {
			more, err := c.parseCollection(ctx, first, nil, level+1)
			if err != nil {
				return nil, err
			}
			out = append(out, more...)
		}
		return out, nil

	case types.TypeCollectionPage, types.TypeOrderedCollectionPage:
		out, _ := inlineItems(payload)
		if next := payload.MustGetString("next"); next != "" {
			more, err := c.parseCollection(ctx, next, nil, level+1)
			if err != nil {
				return nil, err
			}
			out = append(out, more...)
		}
		return out, nil

	default:
		return nil, errors.Wrapf(types.ErrNotAnObject, "unexpected collection type %q", payload.Type())
	}
}

func inlineItems(payload *types.RawApObj) ([]string, bool) {
	for _, key := range []string{"orderedItems", "items"} {
		if _, ok := payload.GetData()[key]; ok {
			return payload.GetList(key), true
		}
	}
	return nil, false
}
