package builder

import (
	"net/url"
	"strings"

	"github.com/pkg/errors"

	"github.com/tubecast/tubecast/pkg/model"
)

func ParseURL(link string) (model.Info, error) {
	parsed, err := parseURL(link)
	if err != nil {
		return model.Info{}, err
	}

	if !strings.HasSuffix(parsed.Host, "youtube.com") {
		return model.Info{}, errors.New("unsupported URL host")
	}

	kind, id, err := parseYoutubeURL(parsed)
	if err != nil {
		return model.Info{}, err
	}

	return model.Info{
		Provider: model.ProviderYoutube,
		LinkType: kind,
		ItemID:   id,
	}, nil
}

func parseURL(link string) (*url.URL, error) {
	if !strings.HasPrefix(link, "http") {
		link = "https://" + link
	}

	parsed, err := url.Parse(link)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse url: %s", link)
	}

	return parsed, nil
}

func parseYoutubeURL(parsed *url.URL) (model.Type, string, error) {
	path := parsed.EscapedPath()
	if path == "" || path == "/" {
		return "", "", errors.New("youtube URL path is empty or just a slash")
	}

	// https://www.youtube.com/playlist?list=PLCB9F975ECF01953C
	if strings.HasPrefix(path, "/playlist") {
		id := parsed.Query().Get("list")
		if id == "" {
			return "", "", errors.New("playlist URL is missing 'list' query parameter")
		}

		return model.TypePlaylist, id, nil
	}

	// https://www.youtube.com/watch?v=rbCbho7aLYw&list=PLMpEfaKcGjpWEgNtdnsvLX6LzQL0UC0EM
	if strings.HasPrefix(path, "/watch") {
		id := parsed.Query().Get("list")
		if id == "" {
			return "", "", errors.New("watch URL without a 'list' query parameter is not a supported feed type")
		}

		return model.TypePlaylist, id, nil
	}

	parts := strings.Split(path, "/")

	// - https://www.youtube.com/channel/UC5XPnUk8Vvv_pWslhwom6Og
	// - https://www.youtube.com/channel/UCrlakW-ewUT8sOod6Wmzyow/videos
	if strings.HasPrefix(path, "/channel") {
		if len(parts) <= 2 || parts[2] == "" {
			return "", "", errors.New("invalid youtube channel link")
		}

		return model.TypeChannel, parts[2], nil
	}

	// - https://www.youtube.com/user/fxigr1
	if strings.HasPrefix(path, "/user") {
		if len(parts) <= 2 || parts[2] == "" {
			return "", "", errors.New("invalid user link")
		}

		return model.TypeUser, parts[2], nil
	}

	// - https://www.youtube.com/@handle
	// - https://www.youtube.com/@handle/videos
	if strings.HasPrefix(path, "/@") {
		handle, err := url.PathUnescape(parts[1])
		if err != nil {
			return "", "", errors.Wrap(err, "invalid youtube handle")
		}

		if len(parts) > 2 && parts[2] != "" && parts[2] != "videos" {
			return "", "", errors.Errorf("unsupported youtube handle link suffix: /%s for handle %s", parts[2], handle)
		}

		return model.TypeHandle, handle, nil
	}

	return "", "", errors.New("unsupported youtube link format")
}
