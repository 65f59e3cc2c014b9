package cli

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"

	"github.com/initialgyw/fiddy/internal/backup"
)

// backupCmd archives the data directory and uploads it to the
// configured bucket, then rotates old archives.
type backupCmd struct {
	retention int
	list      bool
}

func (*backupCmd) Name() string     { return "backup" }
func (*backupCmd) Synopsis() string { return "back up the data directory to S3" }
func (*backupCmd) Usage() string {
	return `fiddy backup [-retention days] [-list]

  Creates a tar.gz archive of the data directory and uploads it to the
  bucket named by FIDDY_BACKUP_BUCKET. With -list, prints existing
  backups instead.
`
}

func (c *backupCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.retention, "retention", 14, "Days to keep old backups; 0 keeps all.")
	f.BoolVar(&c.list, "list", false, "List existing backups instead of creating one.")
}

func (c *backupCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	a, err := newApp()
	if err != nil {
		return fail(err)
	}
	if a.cfg.BackupBucket == "" {
		return fail(fmt.Errorf("no backup bucket configured; set FIDDY_BACKUP_BUCKET"))
	}

	store, err := backup.NewS3Store(ctx, backup.S3Config{
		CredentialsFile: a.cfg.CredentialsFile,
		Bucket:          a.cfg.BackupBucket,
		Endpoint:        a.cfg.BackupEndpoint,
	}, a.log)
	if err != nil {
		return fail(err)
	}
	svc := backup.NewService(store, a.cfg.DataDir, a.log)

	if c.list {
		infos, err := svc.List(ctx)
		if err != nil {
			return fail(err)
		}
		for _, info := range infos {
			fmt.Printf("%s  %10d  %s\n", info.Timestamp.Format("2006-01-02 15:04:05"), info.SizeBytes, info.Filename)
		}
		return subcommands.ExitSuccess
	}

	name, err := svc.CreateAndUpload(ctx)
	if err != nil {
		return fail(err)
	}
	fmt.Printf("uploaded %s\n", name)

	deleted, err := svc.Rotate(ctx, c.retention)
	if err != nil {
		return fail(err)
	}
	if deleted > 0 {
		fmt.Printf("rotated out %d old backup(s)\n", deleted)
	}

	return subcommands.ExitSuccess
}
