package transport

import (
	"context"

	"github.com/copima/copima/core"
)

// PageFetcher loads one page of a connection starting after the cursor.
type PageFetcher func(ctx context.Context, after string) (core.CursorPage[core.Record], error)

// PageVisitor receives each fetched page together with the cursor that
// produced it, so callers can checkpoint before moving on.
type PageVisitor func(page core.CursorPage[core.Record], after string) error

// ForEachPage walks a connection from the given cursor to the end. The visitor
// runs after every fetch; its error stops the walk. An empty page with
// hasNextPage=false ends iteration normally.
func ForEachPage(ctx context.Context, start string, fetch PageFetcher, visit PageVisitor) error {
	after := start
	for {
		if err := ctx.Err(); err != nil {
			return core.MapError(err)
		}
		page, err := fetch(ctx, after)
		if err != nil {
			return err
		}
		if err := visit(page, after); err != nil {
			return err
		}
		if !page.PageInfo.HasNextPage {
			return nil
		}
		after = page.PageInfo.EndCursor
	}
}
