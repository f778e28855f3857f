package proxy

import (
	"context"
	"fmt"
	"io"
	"os/exec"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
)

// startFFmpeg launches the external transcoder against sourceURL and returns
// its MP3 output stream. Closing the reader terminates the process.
func startFFmpeg(ctx context.Context, ffmpegPath, sourceURL string, bitrateKbps int) (io.ReadCloser, error) {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-i", sourceURL,
		"-vn",
		"-c:a", "libmp3lame",
		"-b:a", fmt.Sprintf("%dk", bitrateKbps),
		"-f", "mp3",
		"pipe:1",
	}

	cmd := exec.CommandContext(ctx, ffmpegPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "ffmpeg stdout pipe")
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "starting ffmpeg")
	}

	return &processStream{reader: stdout, cmd: cmd}, nil
}

type processStream struct {
	reader io.ReadCloser
	cmd    *exec.Cmd
}

func (p *processStream) Read(buf []byte) (int, error) {
	return p.reader.Read(buf)
}

func (p *processStream) Close() error {
	_ = p.reader.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	err := p.cmd.Wait()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil
		}
	}
	return err
}

// fetchStream opens a passthrough connection to the source for streams the
// device can consume without transcoding.
func fetchStream(ctx context.Context, sourceURL string) (io.ReadCloser, error) {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.Logger = nil

	req, err := retryablehttp.NewRequestWithContext(ctx, "GET", sourceURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "building source request")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetching source stream")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, errors.Errorf("source responded %d", resp.StatusCode)
	}
	return resp.Body, nil
}
