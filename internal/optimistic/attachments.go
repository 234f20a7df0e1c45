package optimistic

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"courier/internal/filestore"
	"courier/internal/models"
	"courier/internal/storage"
	"courier/internal/syncer"

	"github.com/h2non/filetype"
)

const defaultMimeType = "application/octet-stream"

var errStaging = fmt.Errorf("%w: staged attachment unavailable", syncer.ErrPermanent)

// stageAttachments copies attachment bytes into the file store so that a
// send can still upload them after a restart.
func (t *Tracker) stageAttachments(channelID, tempID string, inputs []AttachmentInput) ([]models.Attachment, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	attachments := make([]models.Attachment, 0, len(inputs))
	for i, in := range inputs {
		if len(in.Data) == 0 {
			return nil, fmt.Errorf("attachment %q is empty", in.Name)
		}

		mimeType := in.MimeType
		if kind, err := filetype.Match(in.Data); err == nil && kind != filetype.Unknown {
			mimeType = kind.MIME.Value
		}
		if mimeType == "" {
			mimeType = defaultMimeType
		}
		attachmentType := models.AttachmentTypeFile
		if filetype.IsImage(in.Data) {
			attachmentType = models.AttachmentTypeImage
		}

		hash := filestore.Hash(in.Data)
		if err := t.files.Stage(bytes.NewReader(in.Data), hash); err != nil {
			return nil, err
		}
		localID := fmt.Sprintf("%s-%d", tempID, i)
		meta := storage.FileMetadata{
			ID:        localID,
			Hash:      hash,
			Name:      in.Name,
			MimeType:  mimeType,
			Size:      int64(len(in.Data)),
			CreatedAt: time.Now().Unix(),
			ChannelID: channelID,
			TempID:    tempID,
		}
		if err := t.index.UpsertFileMetadata(meta); err != nil {
			return nil, err
		}

		attachments = append(attachments, models.Attachment{
			LocalID:  localID,
			Type:     attachmentType,
			Name:     in.Name,
			MimeType: mimeType,
			Size:     meta.Size,
		})
	}
	return attachments, nil
}

// PrepareSend uploads every attachment of p that has not been uploaded yet
// and records the server file ids in p. Attachments are uploaded before the
// message so the message never references a missing file.
func (t *Tracker) PrepareSend(ctx context.Context, p *models.SendMessagePayload) error {
	for i := range p.Attachments {
		a := &p.Attachments[i]
		if a.Uploaded() {
			continue
		}

		meta, err := t.index.GetFileMetadata(a.LocalID)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", errStaging, a.Name, err)
		}
		rc, err := t.files.Open(meta.Hash)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", errStaging, a.Name, err)
		}
		resp, err := t.remote.UploadAttachment(ctx, p.ChannelID, p.TempID, *a, rc)
		_ = rc.Close()
		if err != nil {
			return err
		}

		a.FileID = resp.FileID
		a.URL = resp.URL
		t.updateAttachment(p.TempID, i, *a)
	}
	return nil
}

func (t *Tracker) updateAttachment(tempID string, i int, a models.Attachment) {
	t.mu.Lock()
	if p, ok := t.payloads[tempID]; ok && i < len(p.Attachments) {
		p.Attachments[i] = a
	}
	msg, ok := t.messages[tempID]
	if !ok || i >= len(msg.Attachments) {
		t.mu.Unlock()
		return
	}
	msg.Attachments[i] = a
	snapshot := cloneMessage(msg)
	t.mu.Unlock()

	t.publish(Event{Type: EventUpdated, Message: &snapshot})
}

func (t *Tracker) releaseAttachments(attachments []models.Attachment) {
	for _, a := range attachments {
		if a.LocalID == "" {
			continue
		}
		meta, err := t.index.GetFileMetadata(a.LocalID)
		if err != nil {
			if !errors.Is(err, models.ErrNotFound) {
				t.log.Error("failed to read staged attachment", "local_id", a.LocalID, "error", err)
			}
			continue
		}
		if err := t.files.Release(meta.Hash); err != nil {
			t.log.Error("failed to delete staged attachment", "local_id", a.LocalID, "error", err)
		}
		if err := t.index.DeleteFileMetadata(a.LocalID); err != nil {
			t.log.Error("failed to delete staged attachment metadata", "local_id", a.LocalID, "error", err)
		}
	}
}
