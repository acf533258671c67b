package dataset

import (
	"bytes"
	"context"
	"encoding/csv"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// BlobConfig locates a dataset stored as CSV blobs in one Azure storage
// container. Every blob is one part of the dataset and must start with the
// same header line naming the columns.
type BlobConfig struct {
	ContainerURL string
	AccountName  string
	AccountKey   string

	// Target names the label column. Empty means unlabeled input.
	Target string
}

// FromBlobContainer loads a blob-backed dataset as a partitioned input, one
// part per blob, in blob-name order. Parts are downloaded concurrently.
func FromBlobContainer(ctx context.Context, cfg BlobConfig) (Input, error) {
	container, err := newContainerClient(cfg)
	if err != nil {
		return Input{}, err
	}

	var names []string
	pager := container.ListBlobsFlat(nil)
	for pager.NextPage(ctx) {
		resp := pager.PageResponse()
		for _, blob := range resp.ContainerListBlobFlatSegmentResult.Segment.BlobItems {
			if blob.Name != nil {
				names = append(names, *blob.Name)
			}
		}
	}
	if err := pager.Err(); err != nil {
		return Input{}, errors.Wrap(err, "dataset: listing container blobs")
	}
	if len(names) == 0 {
		return Input{}, EmptyInputError{}
	}
	sort.Strings(names)

	var (
		mu          sync.Mutex
		columns     []string
		parts       = make([][][]float64, len(names))
		transferred int64
	)

	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			data, err := downloadBlob(gctx, container, name, &transferred)
			if err != nil {
				return err
			}
			header, rows, err := parseCSVPart(name, data)
			if err != nil {
				return err
			}

			mu.Lock()
			defer mu.Unlock()
			if columns == nil {
				columns = header
			} else if !equalColumns(columns, header) {
				return errors.Errorf("dataset: blob %q header %v does not match %v", name, header, columns)
			}
			parts[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Input{}, err
	}

	p, err := NewPartitioned(columns, parts)
	if err != nil {
		return Input{}, err
	}
	return FromPartitioned(p, cfg.Target), nil
}

func newContainerClient(cfg BlobConfig) (azblob.ContainerClient, error) {
	credential, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return azblob.ContainerClient{}, errors.Wrap(err, "dataset: building storage credential")
	}
	container, err := azblob.NewContainerClientWithSharedKey(cfg.ContainerURL, credential, nil)
	if err != nil {
		return azblob.ContainerClient{}, errors.Wrap(err, "dataset: building container client")
	}
	return container, nil
}

func downloadBlob(ctx context.Context, container azblob.ContainerClient, name string, transferred *int64) ([]byte, error) {
	blobClient := container.NewBlockBlobClient(name)
	get, err := blobClient.Download(ctx, &azblob.DownloadBlobOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "dataset: downloading blob %q", name)
	}

	body := streaming.NewResponseProgress(get.Body(nil), func(bytesTransferred int64) {
		atomic.StoreInt64(transferred, bytesTransferred)
	})
	defer body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(body); err != nil {
		return nil, errors.Wrapf(err, "dataset: reading blob %q", name)
	}
	return buf.Bytes(), nil
}

func parseCSVPart(name string, data []byte) ([]string, [][]float64, error) {
	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		return nil, nil, errors.Wrapf(err, "dataset: parsing %q", name)
	}
	if len(records) == 0 {
		return nil, nil, errors.Errorf("dataset: %q is empty", name)
	}

	header := records[0]
	rows := make([][]float64, 0, len(records)-1)
	for ri, record := range records[1:] {
		row := make([]float64, len(record))
		for ci, field := range record {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, nil, errors.Wrapf(err, "dataset: %q row %d column %d", name, ri+1, ci)
			}
			row[ci] = v
		}
		rows = append(rows, row)
	}
	return header, rows, nil
}

func equalColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
