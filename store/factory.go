package store

import (
	"context"

	gcsstorage "cloud.google.com/go/storage"

	azblob "github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	hdfsclient "github.com/colinmarc/hdfs/v2"
	"github.com/pkg/errors"

	"github.com/slicebox/slicebox/internal/config"
	storeazure "github.com/slicebox/slicebox/store/azure"
	storegcs "github.com/slicebox/slicebox/store/gcs"
	storehdfs "github.com/slicebox/slicebox/store/hdfs"
	storelocal "github.com/slicebox/slicebox/store/local"
	stores3 "github.com/slicebox/slicebox/store/s3"
)

// Open builds the single active Backend named by cfg.StorageBackend:
// exactly one backend is active per running node.
// cfg.StorageRoot doubles as whatever location string the selected
// backend needs (filesystem path, bucket name, connection string,
// namenode address) -- component I keeps config to one field per
// concern rather than one per backend.
func Open(ctx context.Context, cfg *config.Config) (Backend, error) {
	switch cfg.StorageBackend {
	case "", "local":
		return storelocal.New(cfg.StorageRoot, cfg.MinFreeBytes)
	case "s3":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "load aws config")
		}
		return stores3.New(s3.NewFromConfig(awsCfg), cfg.StorageRoot, ""), nil
	case "azure":
		client, err := azblob.NewClientFromConnectionString(cfg.StorageRoot, nil)
		if err != nil {
			return nil, errors.Wrap(err, "open azure client")
		}
		return storeazure.New(client, "slicebox", ""), nil
	case "gcs":
		client, err := gcsstorage.NewClient(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "open gcs client")
		}
		return storegcs.New(client, cfg.StorageRoot, ""), nil
	case "hdfs":
		client, err := hdfsclient.New(cfg.StorageRoot)
		if err != nil {
			return nil, errors.Wrap(err, "open hdfs client")
		}
		return storehdfs.New(client, "/slicebox"), nil
	default:
		return nil, errors.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}
