//go:build linux

package pid1

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// FilesystemLayout names the devices and mount points the guest boots
// with. RootfsDevice is the read-only squashfs lower layer; OverlayDevice
// is the writable ext4 upper layer; MergedRoot is where the two are
// composed before pivot_root.
type FilesystemLayout struct {
	RootfsDevice  string
	OverlayDevice string
	MergedRoot    string
	OverlayUpper  string
	OverlayWork   string
}

// DefaultLayout matches the kernel boot-args contract: rootfs on vda,
// the per-sandbox writable overlay on vdb.
var DefaultLayout = FilesystemLayout{
	RootfsDevice:  "/dev/vda",
	OverlayDevice: "/dev/vdb",
	MergedRoot:    "/mnt/root",
	OverlayUpper:  "/mnt/upper",
	OverlayWork:   "/mnt/work",
}

// bringUpFilesystem mounts devtmpfs, procfs and sysfs, a tmpfs scratch
// area, then composes the read-only squashfs rootfs with the writable
// ext4 overlay via overlayfs and pivot_roots into the result. Mirrors the
// teacher's mount_linux.go ordering (devtmpfs before procfs, since some
// runtimes resolve /proc/self/exe at startup) generalized to a pivoted
// root instead of a plain read-only bind.
func bringUpFilesystem() error {
	return bringUpFilesystemLayout(DefaultLayout)
}

func bringUpFilesystemLayout(layout FilesystemLayout) error {
	if err := mountTolerant("devtmpfs", "/dev", "devtmpfs", 0, ""); err != nil {
		return fmt.Errorf("mount devtmpfs: %w", err)
	}
	if err := mountTolerant("proc", "/proc", "proc", 0, ""); err != nil {
		return fmt.Errorf("mount procfs: %w", err)
	}
	if err := mountTolerant("sysfs", "/sys", "sysfs", 0, ""); err != nil {
		return fmt.Errorf("mount sysfs: %w", err)
	}

	for _, dir := range []string{layout.MergedRoot, layout.OverlayUpper, layout.OverlayWork, "/mnt/lower"} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}

	if err := unix.Mount(layout.RootfsDevice, "/mnt/lower", "squashfs", unix.MS_RDONLY, ""); err != nil {
		return fmt.Errorf("mount rootfs squashfs: %w", err)
	}

	if err := unix.Mount(layout.OverlayDevice, layout.OverlayUpper, "ext4", 0, ""); err != nil {
		return fmt.Errorf("mount overlay ext4: %w", err)
	}
	// Split the single ext4 overlay device into upper/work subdirectories
	// so overlayfs's own work-dir invariant (work must be empty, on the
	// same filesystem as upper) is satisfied without a second device.
	upperSub := layout.OverlayUpper + "/upper"
	workSub := layout.OverlayUpper + "/work"
	for _, dir := range []string{upperSub, workSub} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}

	opts := fmt.Sprintf("lowerdir=/mnt/lower,upperdir=%s,workdir=%s", upperSub, workSub)
	if err := unix.Mount("overlay", layout.MergedRoot, "overlay", 0, opts); err != nil {
		return fmt.Errorf("mount overlay: %w", err)
	}

	if err := os.MkdirAll(layout.MergedRoot+"/.pivot_old", 0755); err != nil {
		return fmt.Errorf("mkdir pivot target: %w", err)
	}
	if err := unix.PivotRoot(layout.MergedRoot, layout.MergedRoot+"/.pivot_old"); err != nil {
		return fmt.Errorf("pivot_root: %w", err)
	}
	if err := os.Chdir("/"); err != nil {
		return fmt.Errorf("chdir to new root: %w", err)
	}
	if err := unix.Unmount("/.pivot_old", unix.MNT_DETACH); err != nil {
		return fmt.Errorf("detach old root: %w", err)
	}

	if err := os.MkdirAll("/tmp", 0755); err != nil {
		return fmt.Errorf("mkdir /tmp: %w", err)
	}
	if err := mountTolerant("tmpfs", "/tmp", "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, "mode=1777,size=64m"); err != nil {
		return fmt.Errorf("mount tmpfs /tmp: %w", err)
	}

	return nil
}

func mountTolerant(source, target, fstype string, flags uintptr, data string) error {
	if err := os.MkdirAll(target, 0755); err != nil {
		return err
	}
	err := unix.Mount(source, target, fstype, flags, data)
	if err != nil && !errors.Is(err, unix.EBUSY) {
		return err
	}
	return nil
}
