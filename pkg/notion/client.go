// Package notion publishes job reports as pages in a Notion database.
package notion

import (
	"context"
	"fmt"
	"strings"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// Client defines the Notion API operations used by this application.
type Client interface {
	CreatePage(ctx context.Context, req *notionapi.PageCreateRequest) (*notionapi.Page, error)
}

// ClientOption configures the Notion client.
type ClientOption func(*notionClient)

// WithRateLimit overrides the default Notion rate limit (3 req/s).
func WithRateLimit(rps float64) ClientOption {
	return func(c *notionClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		} else {
			c.limiter = nil
		}
	}
}

// WithInner replaces the wrapped client (for testing).
func WithInner(inner *notionapi.Client) ClientOption {
	return func(c *notionClient) {
		c.inner = inner
	}
}

type notionClient struct {
	inner   *notionapi.Client
	limiter *rate.Limiter
}

// NewClient creates a new Notion client with the given integration token.
// By default, API calls are throttled to 3 req/s (Notion's rate limit).
func NewClient(token string, opts ...ClientOption) Client {
	c := &notionClient{
		inner:   notionapi.NewClient(notionapi.Token(token)),
		limiter: rate.NewLimiter(3, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *notionClient) CreatePage(ctx context.Context, req *notionapi.PageCreateRequest) (*notionapi.Page, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "notion: rate limit")
		}
	}
	page, err := c.inner.Page.Create(ctx, req)
	if err != nil {
		return nil, eris.Wrap(err, "notion: create page")
	}
	return page, nil
}

// PublishReport creates a page titled title under the given database with
// the report body split into paragraph blocks. Returns the page URL.
func PublishReport(ctx context.Context, c Client, databaseID, title, report string) (string, error) {
	if databaseID == "" {
		return "", eris.New("notion: database id is required")
	}

	req := &notionapi.PageCreateRequest{
		Parent: notionapi.Parent{
			Type:       notionapi.ParentTypeDatabaseID,
			DatabaseID: notionapi.DatabaseID(databaseID),
		},
		Properties: notionapi.Properties{
			"Name": notionapi.TitleProperty{
				Title: []notionapi.RichText{{Text: &notionapi.Text{Content: title}}},
			},
		},
		Children: reportBlocks(report),
	}

	page, err := c.CreatePage(ctx, req)
	if err != nil {
		return "", eris.Wrap(err, fmt.Sprintf("notion: publish report %q", title))
	}
	return page.URL, nil
}

// notionParagraphLimit is Notion's per-rich-text character cap.
const notionParagraphLimit = 2000

// reportBlocks splits a report into paragraph blocks, chunking any paragraph
// that exceeds Notion's rich-text limit.
func reportBlocks(report string) []notionapi.Block {
	var blocks []notionapi.Block
	for _, para := range strings.Split(report, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		for len(para) > 0 {
			chunk := para
			if len(chunk) > notionParagraphLimit {
				chunk = chunk[:notionParagraphLimit]
			}
			para = para[len(chunk):]

			blocks = append(blocks, &notionapi.ParagraphBlock{
				BasicBlock: notionapi.BasicBlock{
					Object: notionapi.ObjectTypeBlock,
					Type:   notionapi.BlockTypeParagraph,
				},
				Paragraph: notionapi.Paragraph{
					RichText: []notionapi.RichText{{Text: &notionapi.Text{Content: chunk}}},
				},
			})
		}
	}
	return blocks
}
