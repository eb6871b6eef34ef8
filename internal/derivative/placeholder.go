package derivative

// PlaceholderContentType is the type of PlaceholderPoster.
const PlaceholderContentType = "image/svg+xml"

// PlaceholderPoster is stored as the poster of a video when no usable frame can be
// extracted: a dark frame with a play glyph.
var PlaceholderPoster = []byte(`<?xml version="1.0" encoding="UTF-8"?>
<svg xmlns="http://www.w3.org/2000/svg" width="640" height="360" viewBox="0 0 640 360">
  <rect width="640" height="360" fill="#1f2933"/>
  <circle cx="320" cy="180" r="56" fill="none" stroke="#e4e7eb" stroke-width="8"/>
  <polygon points="300,150 300,210 350,180" fill="#e4e7eb"/>
</svg>
`)
