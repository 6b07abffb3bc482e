package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/telefile/telefile/internal/api"
	"github.com/telefile/telefile/internal/client"
	"github.com/telefile/telefile/internal/config"
	"github.com/telefile/telefile/pkg/bytesize"
	"github.com/telefile/telefile/pkg/proto"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint an access token for a user",
		Long: `Mint a JWT for a user, signed with the server's jwt_secret.

Examples:
  telefile token alice
  telefile token alice --ttl 720h`,
		Args: cobra.ExactArgs(1),
		RunE: runToken,
	}
	cmd.Flags().Duration("ttl", 30*24*time.Hour, "token lifetime (0 for no expiry)")
	return cmd
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadServerConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.JWTSecret == "" {
		return fmt.Errorf("jwt_secret is not configured")
	}
	ttl, _ := cmd.Flags().GetDuration("ttl")

	token, err := api.IssueToken([]byte(cfg.JWTSecret), args[0], ttl)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

// addClientFlags registers the flags shared by commands that talk to a server.
func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&serverURL, "server", "s", "", "server URL (default from config or TELEFILE_SERVER)")
	cmd.Flags().StringVarP(&clientToken, "token", "t", "", "access token (default from config or TELEFILE_TOKEN)")
}

func newClient() (*client.Client, *config.ClientConfig, error) {
	cfg, err := config.LoadClientConfig(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if serverURL != "" {
		cfg.Server = serverURL
	}
	if clientToken != "" {
		cfg.Token = clientToken
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	c := client.New(cfg.Server, cfg.Token,
		client.WithChunkSize(cfg.ChunkSize.Bytes()),
		client.WithLogger(log.Logger),
	)
	return c, cfg, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newUploadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload <path>",
		Short: "Upload a file",
		Long: `Upload a file in chunks and print its id.

Examples:
  telefile upload ./video.mp4
  telefile upload ./backup.tar --chunk-size 10MB --folder 3f2a...`,
		Args: cobra.ExactArgs(1),
		RunE: runUpload,
	}
	addClientFlags(cmd)
	cmd.Flags().String("folder", "", "destination folder id")
	cmd.Flags().String("chunk-size", "", "chunk size, e.g. 20MB (default from config)")
	cmd.Flags().String("mime-type", "", "content type (detected by the server when empty)")
	return cmd
}

func runUpload(cmd *cobra.Command, args []string) error {
	folder, _ := cmd.Flags().GetString("folder")
	chunkFlag, _ := cmd.Flags().GetString("chunk-size")
	mimeType, _ := cmd.Flags().GetString("mime-type")

	c, cfg, err := newClient()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	if chunkFlag != "" {
		size, err := bytesize.Parse(chunkFlag)
		if err != nil {
			return fmt.Errorf("invalid chunk size: %w", err)
		}
		c = client.New(cfg.Server, cfg.Token, client.WithChunkSize(size), client.WithLogger(log.Logger))
	} else if h, err := c.Health(ctx); err == nil && h.MaxChunk > 0 && h.MaxChunk < cfg.ChunkSize.Bytes() {
		log.Debug().Str("chunk_size", bytesize.Format(h.MaxChunk)).Msg("using server chunk limit")
		c = client.New(cfg.Server, cfg.Token, client.WithChunkSize(h.MaxChunk), client.WithLogger(log.Logger))
	}

	res, err := c.UploadFile(ctx, args[0], client.UploadOptions{
		FolderID: folder,
		MimeType: mimeType,
		Progress: func(p proto.UploadResponse) {
			log.Info().Str("file_id", p.FileID).Int("uploaded", p.Uploaded).Int("total", p.Total).Msg("chunk uploaded")
		},
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", args[0], err)
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), res.FileID)
	return nil
}

func newDownloadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "download <file-id>",
		Short: "Download a file",
		Long: `Download a file, or part of it, to a file or stdout.

Examples:
  telefile download 3f2a... -o video.mp4
  telefile download 3f2a... --range 0-1048575 > head.bin`,
		Args: cobra.ExactArgs(1),
		RunE: runDownload,
	}
	addClientFlags(cmd)
	cmd.Flags().StringP("output", "o", "", "output file (default stdout)")
	cmd.Flags().String("range", "", "byte range such as 0-1023, 500- or -500")
	return cmd
}

func runDownload(cmd *cobra.Command, args []string) error {
	output, _ := cmd.Flags().GetString("output")
	byteRange, _ := cmd.Flags().GetString("range")

	c, _, err := newClient()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	var w io.Writer = cmd.OutOrStdout()
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("create %s: %w", output, err)
		}
		defer func() { _ = f.Close() }()
		w = f
	}

	n, err := c.Download(ctx, args[0], w, byteRange)
	if err != nil {
		return err
	}
	log.Info().Str("file_id", args[0]).Str("size", bytesize.Format(n)).Msg("download complete")
	return nil
}

func newShareCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "share <file-id>",
		Short: "Create or revoke a share link",
		Long: `Create a public share link for a file, optionally expiring, or revoke it.

Examples:
  telefile share 3f2a...
  telefile share 3f2a... --days 7 --qr link.png
  telefile share 3f2a... --revoke`,
		Args: cobra.ExactArgs(1),
		RunE: runShare,
	}
	addClientFlags(cmd)
	cmd.Flags().Int("days", 0, "expire the link after this many days (0 keeps the current expiry)")
	cmd.Flags().String("qr", "", "write a QR code PNG of the link to this file")
	cmd.Flags().Bool("revoke", false, "remove the share link")
	return cmd
}

func runShare(cmd *cobra.Command, args []string) error {
	id := args[0]
	revoke, _ := cmd.Flags().GetBool("revoke")
	qrPath, _ := cmd.Flags().GetString("qr")

	c, _, err := newClient()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	out := cmd.OutOrStdout()
	if revoke {
		if err := c.Unshare(ctx, id); err != nil {
			return err
		}
		_, _ = fmt.Fprintln(out, "Share link removed")
		return nil
	}

	var days *int
	if cmd.Flags().Changed("days") {
		d, _ := cmd.Flags().GetInt("days")
		days = &d
	}
	share, err := c.Share(ctx, id, days)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(out, share.ShareLink)
	if share.ExpiresAt != nil {
		_, _ = fmt.Fprintf(out, "Expires: %s\n", share.ExpiresAt.Local().Format(time.RFC1123))
	}

	if qrPath != "" {
		png, err := c.ShareQR(ctx, id, 0)
		if err != nil {
			return err
		}
		if err := os.WriteFile(qrPath, png, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", qrPath, err)
		}
	}
	return nil
}
