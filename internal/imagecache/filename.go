package imagecache

import (
	"strconv"
	"strings"
)

// imageFolder maps a MediaImageKind to its on-disk subdirectory name under
// <cache>/images/.
func imageFolder(kind MediaImageKind) string {
	switch kind {
	case KindPoster:
		return "poster"
	case KindBackdrop:
		return "backdrop"
	case KindThumbnail:
		return "thumbnail"
	case KindLogo:
		return "logo"
	case KindCast:
		return "cast"
	default:
		return string(kind)
	}
}

// canonicalSize implements select_canonical_size: the materialized width
// a background ensure_variant_async task targets for a given image kind.
func canonicalSize(kind MediaImageKind, requestedVariant string) CanonicalSize {
	switch kind {
	case KindPoster:
		return SizePosterW342
	case KindBackdrop:
		// Backdrops are displayed large; prefer original to avoid detail loss.
		return SizeOriginal
	case KindThumbnail:
		return SizeStillW300
	case KindLogo:
		return SizeOriginal
	case KindCast:
		return SizeProfileW185
	default:
		if requestedVariant != "" {
			return CanonicalSize(requestedVariant)
		}
		return SizeOriginal
	}
}

// buildVariantFilename joins the on-disk filename the way the original
// build_variant_filename does: media_type__media_id__image_folder__
// image_type__order_index__variant__sanitizedpath when a cache key is
// present, or image_folder__variant__sanitizedpath for an opportunistic
// prefetch with no cache key.
func buildVariantFilename(sourcePath, variant, folder string, key *VariantKey) string {
	sanitized := strings.ReplaceAll(strings.TrimPrefix(sourcePath, "/"), "/", "_")
	if key == nil {
		return folder + "__" + variant + "__" + sanitized
	}
	return strings.Join([]string{
		key.MediaType,
		key.MediaID.String(),
		folder,
		string(key.ImageType),
		strconv.Itoa(key.OrderIndex),
		variant,
		sanitized,
	}, "__")
}
