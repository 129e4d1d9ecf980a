package service

import (
	"bytes"
	"context"
	"encoding/json"
	"path"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"worker-tracker/dto"
)

const archivePrefix = "tracking-sessions"

// Archiver keeps a JSON copy of every settled session in object storage.
type Archiver interface {
	Archive(ctx context.Context, archive dto.SessionArchive) error
	Remove(ctx context.Context, username string, sessionID uuid.UUID) error
}

type minioArchiver struct {
	client *minio.Client
	bucket string
}

func NewMinioArchiver(client *minio.Client, bucket string) Archiver {
	return &minioArchiver{client: client, bucket: bucket}
}

func ArchiveObjectName(username string, sessionID uuid.UUID) string {
	return path.Join(archivePrefix, username, sessionID.String()+".json")
}

func (a *minioArchiver) Archive(ctx context.Context, archive dto.SessionArchive) error {
	body, err := json.Marshal(archive)
	if err != nil {
		return err
	}
	name := ArchiveObjectName(archive.Session.Username, archive.Session.ID)
	_, err = a.client.PutObject(ctx, a.bucket, name, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	return err
}

func (a *minioArchiver) Remove(ctx context.Context, username string, sessionID uuid.UUID) error {
	return a.client.RemoveObject(ctx, a.bucket, ArchiveObjectName(username, sessionID), minio.RemoveObjectOptions{})
}

type nopArchiver struct{}

func (nopArchiver) Archive(context.Context, dto.SessionArchive) error { return nil }
func (nopArchiver) Remove(context.Context, string, uuid.UUID) error   { return nil }
