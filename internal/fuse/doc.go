/*
Package fuse mounts a camerafs.FilesystemOps table through the kernel's
FUSE interface.

Two adapters are built from the same operation table:

	go build ./...              go-fuse (github.com/hanwen/go-fuse/v2), Linux
	go build -tags cgofuse ./...  cgofuse (github.com/winfsp/cgofuse), macOS and Windows

The go-fuse adapter keeps an inode tree and derives each node's path from
it; the cgofuse adapter is path based and forwards calls unchanged. Both
translate the table's errno results into the convention of their library.

A handle's release is where a changed file is written back to the camera,
so an unmount that skips releases loses writes. MountManager.Unmount
tries a normal unmount before a lazy one.

Mount options:

	opts := fuse.DefaultMountConfig("/mnt/camera")
	opts.Options.ReadOnly = true
	mgr := fuse.CreatePlatformMountManager(fs, logger, opts)
	if err := mgr.Mount(ctx); err != nil {
		return err
	}
	mgr.Wait()
*/
package fuse
