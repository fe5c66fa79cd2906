package api

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
)

type UploadRequest struct {
	From     string
	To       string
	FileName string
	MimeType string
	Size     int64
	Body     io.Reader
}

type UploadResult struct {
	FileURL   string
	MessageID string
}

// progressReader reports the share of Size read so far as 0..100.
type progressReader struct {
	r      io.Reader
	size   int64
	read   int64
	last   int
	report func(int)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.report != nil && p.size > 0 {
		pct := int(p.read * 100 / p.size)
		if pct > 100 {
			pct = 100
		}
		if pct != p.last {
			p.last = pct
			p.report(pct)
		}
	}
	return n, err
}

// Upload streams the file as multipart form data. progress receives
// percentages as the body is written. The request is bounded by the upload
// timeout regardless of ctx.
func (c *Client) Upload(ctx context.Context, req UploadRequest, progress func(pct int)) (UploadResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.uploadTimeout)
	defer cancel()

	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)
	go func() {
		err := writeUploadForm(form, req, progress)
		if cerr := form.Close(); err == nil {
			err = cerr
		}
		pw.CloseWithError(err)
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/user/upload-file", nil), pr)
	if err != nil {
		_ = pr.CloseWithError(err)
		return UploadResult{}, err
	}
	httpReq.Header.Set("Content-Type", form.FormDataContentType())

	var resp struct {
		Success   *bool  `json:"success"`
		Message   string `json:"message"`
		FileURL   string `json:"fileUrl"`
		URL       string `json:"url"`
		MessageID string `json:"messageId"`
	}
	err = c.send(httpReq, &resp)
	_ = pr.CloseWithError(io.ErrClosedPipe)
	if err != nil {
		return UploadResult{}, err
	}
	if resp.Success != nil && !*resp.Success {
		return UploadResult{}, fmt.Errorf("upload rejected: %s", resp.Message)
	}
	url := resp.FileURL
	if url == "" {
		url = resp.URL
	}
	if url == "" {
		return UploadResult{}, fmt.Errorf("upload response carried no file url")
	}
	if progress != nil {
		progress(100)
	}
	return UploadResult{FileURL: url, MessageID: resp.MessageID}, nil
}

func writeUploadForm(form *multipart.Writer, req UploadRequest, progress func(int)) error {
	if err := form.WriteField("senderId", req.From); err != nil {
		return err
	}
	if err := form.WriteField("receiverId", req.To); err != nil {
		return err
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, req.FileName))
	if req.MimeType != "" {
		h.Set("Content-Type", req.MimeType)
	}
	part, err := form.CreatePart(h)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, &progressReader{r: req.Body, size: req.Size, report: progress})
	return err
}
