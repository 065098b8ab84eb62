package store

import (
	"context"
	"fmt"
	"io"

	azblob "github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// AzureBlob is an Endpoint backed by an Azure Storage container.
// massifs/massifcommitter.go guards every write with an etag condition
// because its blobs are extended in place; tile and hierarchy objects
// here are content-addressed by ChunkKey and never revised, so the
// unconditional overwrite-on-put the SDK gives by default is already
// correct and there is no racy "extend existing blob" case to guard
// against.
type AzureBlob struct {
	client    *azblob.Client
	container string
}

// NewAzureBlob returns an AzureBlob endpoint for the given container,
// using client as the already-authenticated SDK client (account key,
// shared key, or a credential chain are the caller's concern).
func NewAzureBlob(client *azblob.Client, container string) *AzureBlob {
	return &AzureBlob{client: client, container: container}
}

func (a *AzureBlob) Get(path string) ([]byte, error) {
	ctx := context.Background()
	resp, err := a.client.DownloadStream(ctx, a.container, path, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: azureblob get %s: %w", path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("store: azureblob read %s: %w", path, err)
	}
	return data, nil
}

func (a *AzureBlob) Put(path string, data []byte) error {
	ctx := context.Background()
	_, err := a.client.UploadBuffer(ctx, a.container, path, data, nil)
	if err != nil {
		return fmt.Errorf("store: azureblob put %s: %w", path, err)
	}
	return nil
}

func (a *AzureBlob) TryGetSize(path string) (int64, bool, error) {
	ctx := context.Background()
	resp, err := a.client.ServiceClient().NewContainerClient(a.container).NewBlobClient(path).GetProperties(ctx, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("store: azureblob stat %s: %w", path, err)
	}
	var size int64
	if resp.ContentLength != nil {
		size = *resp.ContentLength
	}
	return size, true, nil
}
