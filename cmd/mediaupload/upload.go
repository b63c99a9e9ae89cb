package main

import (
	"errors"
	"fmt"
	"mime"
	"path"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/reelcut/mediaupload/api"
	"github.com/reelcut/mediaupload/mediasource"
	"github.com/reelcut/mediaupload/multipart"
	"github.com/reelcut/mediaupload/stepconf"
)

const defaultContentType = "application/octet-stream"

type clientConfig struct {
	APIURL string          `env:"MEDIAUPLOAD_API_URL,url"`
	Token  stepconf.Secret `env:"MEDIAUPLOAD_TOKEN,required"`
}

type uploadFlags struct {
	chunkSize   string
	concurrency int
	key         string
	prefix      string
	contentType string
}

func (ctx *commandContext) apiClient() (*api.Client, error) {
	var cfg clientConfig
	if err := ctx.inputs.Parse(&cfg); err != nil {
		return nil, err
	}
	if cfg.APIURL == "" {
		return nil, errors.New("MEDIAUPLOAD_API_URL is required")
	}

	return api.NewClient(cfg.APIURL, string(cfg.Token), ctx.logger), nil
}

func newUploadCommand(ctx *commandContext) *cobra.Command {
	flags := uploadFlags{}

	cmd := &cobra.Command{
		Use:   "upload <source>...",
		Short: "Upload media files in parallel chunks",
		Long: `Upload media files in parallel chunks.

A source is a local path, a file:// URL, a glob such as 'renders/**/*.mp4'
or an http(s) URL, which is downloaded first. The resulting public URL of
every upload is printed on its own line.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chunkSize, err := units.RAMInBytes(flags.chunkSize)
			if err != nil {
				return fmt.Errorf("invalid chunk size %q: %w", flags.chunkSize, err)
			}

			client, err := ctx.apiClient()
			if err != nil {
				return err
			}

			resolver := mediasource.NewResolver(retryhttp.NewClient(ctx.logger).StandardClient(), ctx.logger)
			media, err := resolver.ResolveAll(cmd.Context(), args)
			if err != nil {
				return err
			}
			defer func() {
				for _, m := range media {
					if err := m.Cleanup(); err != nil {
						ctx.logger.Warnf("Failed to remove %s: %s", m.Path, err)
					}
				}
			}()

			if flags.key != "" && len(media) != 1 {
				return fmt.Errorf("--key needs exactly one source file, got %d", len(media))
			}

			config := multipart.DefaultConfig()
			config.ChunkSizeBytes = chunkSize
			config.Concurrency = flags.concurrency
			coordinator := multipart.New(client, config, ctx.logger)

			for _, m := range media {
				key := objectKey(flags.prefix, flags.key, m.Name)
				contentType := contentTypeFor(flags.contentType, m.Name)

				url, err := uploadFile(cmd, coordinator, m, key, contentType)
				if err != nil {
					return fmt.Errorf("upload %s: %w", m.Location, err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), url)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&flags.chunkSize, "chunk-size", units.BytesSize(float64(multipart.DefaultChunkSizeBytes)), "Size of each uploaded part, such as 10MiB")
	cmd.Flags().IntVar(&flags.concurrency, "concurrency", multipart.DefaultConcurrency, "Number of parts uploaded at once")
	cmd.Flags().StringVar(&flags.key, "key", "", "Object key, only valid with a single source (default: file name)")
	cmd.Flags().StringVar(&flags.prefix, "prefix", "", "Folder prepended to every object key")
	cmd.Flags().StringVar(&flags.contentType, "content-type", "", "Content type of the uploads (default: detected from the file extension)")

	return cmd
}

func uploadFile(cmd *cobra.Command, coordinator *multipart.Coordinator, m mediasource.Media, key, contentType string) (string, error) {
	src, err := multipart.OpenFile(m.Path)
	if err != nil {
		return "", err
	}
	defer src.Close() //nolint:errcheck

	outcome, err := coordinator.Upload(cmd.Context(), src, key, contentType)
	if err != nil {
		return "", err
	}

	return outcome.URL, nil
}

func newDeleteFolderCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "delete-folder <prefix>",
		Short: "Delete every uploaded object under a folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix := strings.TrimLeft(args[0], "/")
			if strings.Trim(prefix, "/") == "" {
				return errors.New("refusing to delete the bucket root")
			}
			if !strings.HasSuffix(prefix, "/") {
				prefix += "/"
			}

			client, err := ctx.apiClient()
			if err != nil {
				return err
			}

			if err := client.DeleteFolder(cmd.Context(), prefix); err != nil {
				return err
			}

			ctx.logger.Donef("Deleted %s", prefix)
			return nil
		},
	}
}

// objectKey returns key when set, otherwise name placed under prefix.
func objectKey(prefix, key, name string) string {
	if key == "" {
		key = name
	}
	if prefix == "" {
		return strings.TrimLeft(key, "/")
	}
	return strings.TrimLeft(path.Join(prefix, key), "/")
}

func contentTypeFor(explicit, name string) string {
	if explicit != "" {
		return explicit
	}
	if contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); contentType != "" {
		return contentType
	}
	return defaultContentType
}
