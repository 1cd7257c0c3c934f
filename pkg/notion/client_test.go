package notion

import (
	"context"
	"strings"
	"testing"

	"github.com/jomei/notionapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	req  *notionapi.PageCreateRequest
	page *notionapi.Page
	err  error
}

func (f *fakeClient) CreatePage(ctx context.Context, req *notionapi.PageCreateRequest) (*notionapi.Page, error) {
	f.req = req
	return f.page, f.err
}

func TestPublishReport(t *testing.T) {
	fake := &fakeClient{page: &notionapi.Page{URL: "https://notion.so/abc"}}

	url, err := PublishReport(context.Background(), fake, "db-1", "Analysis job-1", "First paragraph.\n\nSecond paragraph.")
	require.NoError(t, err)
	assert.Equal(t, "https://notion.so/abc", url)

	require.NotNil(t, fake.req)
	assert.Equal(t, notionapi.DatabaseID("db-1"), fake.req.Parent.DatabaseID)
	assert.Len(t, fake.req.Children, 2)
}

func TestPublishReport_NoDatabase(t *testing.T) {
	fake := &fakeClient{}
	_, err := PublishReport(context.Background(), fake, "", "t", "body")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database id is required")
}

func TestReportBlocks_ChunksLongParagraphs(t *testing.T) {
	long := strings.Repeat("x", notionParagraphLimit+500)
	blocks := reportBlocks(long)
	require.Len(t, blocks, 2)
}

func TestReportBlocks_SkipsEmpty(t *testing.T) {
	blocks := reportBlocks("one\n\n\n\n  \n\ntwo")
	assert.Len(t, blocks, 2)
}
