package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// getenv returns the value of the environment variable named by key or
// fallback if the variable is not present.
func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

var (
	gatewayURL string
	bucketName string
	objectName string
	mimeType   string
)

var rootCmd = &cobra.Command{
	Use:           "gatectl",
	Short:         "Client for the gcsgate upload gateway",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var uploadCmd = &cobra.Command{
	Use:   "upload FILE",
	Short: "Upload a file through the gateway",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return UploadFile(cmd.Context(), http.DefaultClient, args[0])
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete OBJECT",
	Short: "Delete an object through the gateway",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return DeleteObject(cmd.Context(), http.DefaultClient, bucketName, args[0])
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&gatewayURL, "url", getenv("GATEWAY_URL", "http://localhost:8080"), "Gateway base URL")
	rootCmd.PersistentFlags().StringVar(&bucketName, "bucket", getenv("BUCKET", ""), "Target bucket")
	_ = rootCmd.MarkPersistentFlagRequired("bucket")

	uploadCmd.Flags().StringVar(&objectName, "name", "", "Object name (defaults to the file's base name)")
	uploadCmd.Flags().StringVar(&mimeType, "mime-type", "", "Declared MIME type (defaults to a guess from the extension)")

	rootCmd.AddCommand(uploadCmd, deleteCmd)
}

// UploadFile streams the file at path to POST /upload_object.
func UploadFile(ctx context.Context, client *http.Client, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %q: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %q: %w", path, err)
	}

	name := objectName
	if name == "" {
		name = filepath.Base(path)
	}

	contentType := mimeType
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(path))
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint("upload_object"), f)
	if err != nil {
		return err
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Name", name)
	req.Header.Set("Bucket", bucketName)
	req.Header.Set("Mime-Type", contentType)

	start := time.Now()
	body, err := do(client, req, http.StatusOK)
	if err != nil {
		return fmt.Errorf("failed to upload %q to bucket %q: %w", name, bucketName, err)
	}

	slog.Info("Uploaded object",
		"object", name,
		"bucket", bucketName,
		"size", humanize.IBytes(uint64(info.Size())),
		"took", time.Since(start).Round(time.Millisecond),
	)

	var out bytes.Buffer
	if err := json.Indent(&out, body, "", "  "); err != nil {
		out.Reset()
		out.Write(body)
	}
	fmt.Println(out.String())
	return nil
}

// DeleteObject calls POST /delete_object.
func DeleteObject(ctx context.Context, client *http.Client, bucket string, object string) error {
	payload, err := json.Marshal(map[string]string{"bucket": bucket, "object": object})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint("delete_object"), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	if _, err := do(client, req, http.StatusNoContent); err != nil {
		return fmt.Errorf("failed to delete %q from bucket %q: %w", object, bucket, err)
	}

	slog.Info("Deleted object", "object", object, "bucket", bucket)
	return nil
}

func endpoint(path string) string {
	return strings.TrimRight(gatewayURL, "/") + "/" + path
}

func do(client *http.Client, req *http.Request, want int) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != want {
		return nil, fmt.Errorf("gateway responded %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func main() {
	handler := log.NewWithOptions(os.Stderr, log.Options{
		Level:           log.InfoLevel,
		TimeFormat:      time.Kitchen,
		ReportTimestamp: true,
	})
	slog.SetDefault(slog.New(handler))

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		slog.Error("Failed", "error", err)
		os.Exit(1)
	}
}
